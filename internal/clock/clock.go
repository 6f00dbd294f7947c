package clock

import (
	"sync"
	"time"
)

// Clock позволяет подменять время в сервисах и тестах.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem возвращает часы на основе time.Now (UTC).
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual описывает часы для тестов, которые стоят на месте, пока их не сдвинут.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual создаёт часы, показывающие t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance сдвигает часы вперёд на d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set выставляет конкретный момент.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}
