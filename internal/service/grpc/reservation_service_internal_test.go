package grpcsvc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
)

func TestCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"invalid item", &domain.ItemError{Index: 0, Reason: "qty"}, codes.InvalidArgument},
		{"variant not found", &domain.VariantNotFoundError{VariantID: "X"}, codes.NotFound},
		{"reservation not found", domain.ErrReservationNotFound, codes.NotFound},
		{"insufficient stock", &domain.InsufficientStockError{VariantID: "X"}, codes.ResourceExhausted},
		{"duplicate", &domain.DuplicateReservationError{}, codes.AlreadyExists},
		{"no longer valid", fmt.Errorf("%w: order o", domain.ErrReservationNoLongerValid), codes.FailedPrecondition},
		{"cannot release confirmed", domain.ErrCannotReleaseConfirmed, codes.FailedPrecondition},
		{"integrity", &domain.IntegrityError{Detail: "negative"}, codes.DataLoss},
		{"state conflict", domain.ErrStateConflict, codes.Aborted},
		{"store unavailable", domain.StoreUnavailable("get", errors.New("conn reset")), codes.Unavailable},
		{"store deadline", domain.StoreUnavailable("get", context.DeadlineExceeded), codes.DeadlineExceeded},
		{"unknown", errors.New("boom"), codes.Internal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := codeFor(tc.err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestParseItems(t *testing.T) {
	req, err := structpb.NewStruct(map[string]any{
		"items": []any{
			map[string]any{"variant_id": " X ", "qty": 2},
			map[string]any{"variant_id": "Y"},
		},
	})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	items, err := parseItems(req)
	if err != nil {
		t.Fatalf("parse items: %v", err)
	}
	if len(items) != 2 || items[0].VariantID != "X" || items[0].Qty != 2 || items[1].Qty != 0 {
		t.Fatalf("unexpected items: %+v", items)
	}

	bad, _ := structpb.NewStruct(map[string]any{"items": []any{"not-an-object"}})
	if _, err := parseItems(bad); err == nil {
		t.Fatal("expected error for non-object item")
	}

	huge, _ := structpb.NewStruct(map[string]any{"items": []any{map[string]any{"variant_id": "X", "qty": 1e12}}})
	if _, err := parseItems(huge); err == nil {
		t.Fatal("expected error for qty out of int32 range")
	}
}

func TestServiceDesc_MethodsMatchServer(t *testing.T) {
	want := map[string]bool{
		methodReserve:         true,
		methodConfirm:         true,
		methodRelease:         true,
		methodGetReservation:  true,
		methodGetAvailability: true,
		methodListHeld:        true,
	}
	if len(ReservationServiceDesc.Methods) != len(want) {
		t.Fatalf("expected %d methods, got %d", len(want), len(ReservationServiceDesc.Methods))
	}
	for _, m := range ReservationServiceDesc.Methods {
		if !want[m.MethodName] {
			t.Fatalf("unexpected method %s", m.MethodName)
		}
	}
	if FullMethod(methodReserve) != "/stockhold.v1.ReservationService/Reserve" {
		t.Fatalf("unexpected full method: %s", FullMethod(methodReserve))
	}
}
