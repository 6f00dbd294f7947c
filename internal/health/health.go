package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
)

// Status представляет статус компонента
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const defaultCheckTimeout = 2 * time.Second

// Check представляет проверку здоровья компонента
type Check struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Response представляет ответ health check
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker интерфейс для проверки здоровья компонента
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler обрабатывает health check запросы
type Handler struct {
	mu        sync.RWMutex
	checkers  map[string]Checker
	version   string
	startTime time.Time
}

// NewHandler создаёт новый health handler
func NewHandler(version string) *Handler {
	return &Handler{
		checkers:  make(map[string]Checker),
		version:   version,
		startTime: time.Now(),
	}
}

// RegisterChecker регистрирует проверку компонента
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Run выполняет все проверки и сводит общий статус.
func (h *Handler) Run(ctx context.Context) Response {
	h.mu.RLock()
	checkers := make(map[string]Checker, len(h.checkers))
	for k, v := range h.checkers {
		checkers[k] = v
	}
	h.mu.RUnlock()

	checks := make(map[string]Check, len(checkers))
	overallStatus := StatusHealthy

	for name, checker := range checkers {
		check := checker.Check(ctx)
		checks[name] = check

		if check.Status == StatusUnhealthy {
			overallStatus = StatusUnhealthy
		} else if check.Status == StatusDegraded && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	return Response{
		Status:        overallStatus,
		Timestamp:     time.Now().UTC(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
}

// ServeHTTP обрабатывает HTTP запрос
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.Run(r.Context())

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler снимает готовность только при unhealthy-компонентах, degraded её не снимают.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.Run(r.Context()).Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// SimpleChecker простая проверка с функцией
type SimpleChecker struct {
	name    string
	checkFn func() error
}

// NewSimpleChecker создаёт простую проверку
func NewSimpleChecker(name string, checkFn func() error) *SimpleChecker {
	return &SimpleChecker{
		name:    name,
		checkFn: checkFn,
	}
}

// Check выполняет проверку
func (c *SimpleChecker) Check(_ context.Context) Check {
	start := time.Now()
	return result(c.name, c.checkFn(), StatusUnhealthy, time.Since(start))
}

// PingChecker проверяет внешнюю зависимость с таймаутом (Postgres, Redis).
// Некритичная зависимость при ошибке даёт degraded, а не unhealthy.
type PingChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	ping     func(ctx context.Context) error
}

// NewPingChecker создаёт проверку; timeout <= 0 заменяется дефолтом.
func NewPingChecker(name string, critical bool, timeout time.Duration, ping func(ctx context.Context) error) *PingChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &PingChecker{name: name, critical: critical, timeout: timeout, ping: ping}
}

// Check выполняет ping.
func (c *PingChecker) Check(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	failed := StatusDegraded
	if c.critical {
		failed = StatusUnhealthy
	}

	start := time.Now()
	return result(c.name, c.ping(ctx), failed, time.Since(start))
}

// OutboxBacklogChecker переводит сервис в degraded, когда outbox копится быстрее, чем публикуется.
type OutboxBacklogChecker struct {
	repo       domain.OutboxRepository
	maxPending int
}

// NewOutboxBacklogChecker создаёт проверку backlog outbox.
func NewOutboxBacklogChecker(repo domain.OutboxRepository, maxPending int) *OutboxBacklogChecker {
	return &OutboxBacklogChecker{repo: repo, maxPending: maxPending}
}

// Check читает статистику outbox.
func (c *OutboxBacklogChecker) Check(_ context.Context) Check {
	start := time.Now()
	stats, err := c.repo.Stats()
	if err != nil {
		return result("outbox", err, StatusUnhealthy, time.Since(start))
	}
	if c.maxPending > 0 && stats.PendingCount > c.maxPending {
		return result("outbox", fmt.Errorf("pending=%d exceeds %d, oldest since %s",
			stats.PendingCount, c.maxPending, stats.OldestPendingAt.Format(time.RFC3339)), StatusDegraded, time.Since(start))
	}
	return result("outbox", nil, StatusUnhealthy, time.Since(start))
}

func result(name string, err error, failed Status, duration time.Duration) Check {
	if err != nil {
		return Check{
			Name:     name,
			Status:   failed,
			Message:  err.Error(),
			Duration: duration,
		}
	}

	return Check{
		Name:     name,
		Status:   StatusHealthy,
		Duration: duration,
	}
}
