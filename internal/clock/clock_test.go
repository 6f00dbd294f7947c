package clock

import (
	"testing"
	"time"
)

func TestManual_AdvanceAndSet(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := NewManual(start)

	if !clk.Now().Equal(start) {
		t.Fatalf("unexpected now: %v", clk.Now())
	}

	clk.Advance(15 * time.Minute)
	if want := start.Add(15 * time.Minute); !clk.Now().Equal(want) {
		t.Fatalf("expected %v, got %v", want, clk.Now())
	}

	clk.Set(start)
	if !clk.Now().Equal(start) {
		t.Fatalf("expected reset to %v, got %v", start, clk.Now())
	}
}

func TestSystem_ReturnsUTC(t *testing.T) {
	if loc := NewSystem().Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC, got %v", loc)
	}
}
