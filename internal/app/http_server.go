package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/stockhold/internal/health"
	"github.com/vladislavdragonenkov/stockhold/internal/service/reservation"
)

const httpShutdownTimeout = 5 * time.Second

// startMetricsServer запускает HTTP-сервер метрик, health-проб и ops-ручек.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler, ops http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	if ops != nil {
		mux.Handle("/ops/", ops)
	}

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}

// opsHandler отдаёт read-only ручки для дежурных: резерв заказа, удержания, остаток варианта.
type opsHandler struct {
	manager    *reservation.Manager
	calculator *reservation.Calculator
	logger     *log.Entry
	timeout    time.Duration
}

func newOpsHandler(manager *reservation.Manager, calculator *reservation.Calculator, logger *log.Entry, timeout time.Duration) http.Handler {
	h := &opsHandler{manager: manager, calculator: calculator, logger: logger, timeout: timeout}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ops/reservations/{orderRef}", h.reservation)
	mux.HandleFunc("GET /ops/held", h.held)
	mux.HandleFunc("GET /ops/variants/{variantID}", h.variant)
	return mux
}

type opsItem struct {
	VariantID string `json:"variant_id"`
	Qty       int32  `json:"qty"`
}

type opsEvent struct {
	From       domain.ReservationState `json:"from"`
	To         domain.ReservationState `json:"to"`
	Reason     string                  `json:"reason,omitempty"`
	OccurredAt time.Time               `json:"occurred_at"`
}

type opsReservation struct {
	ID             string                  `json:"id"`
	OrderRef       string                  `json:"order_ref"`
	State          domain.ReservationState `json:"state"`
	EffectiveState domain.ReservationState `json:"effective_state"`
	Reason         string                  `json:"reason,omitempty"`
	Items          []opsItem               `json:"items"`
	ExpiresAt      time.Time               `json:"expires_at"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
	ReadAt         time.Time               `json:"read_at"`
	History        []opsEvent              `json:"history"`
}

func newOpsReservation(snap reservation.Snapshot, history []domain.ReservationEvent) opsReservation {
	res := snap.Reservation
	view := opsReservation{
		ID:             res.ID,
		OrderRef:       res.OrderRef,
		State:          res.State,
		EffectiveState: snap.EffectiveState,
		Reason:         res.Reason,
		Items:          make([]opsItem, 0, len(res.Items)),
		ExpiresAt:      res.ExpiresAt,
		CreatedAt:      res.CreatedAt,
		UpdatedAt:      res.UpdatedAt,
		ReadAt:         snap.ReadAt,
		History:        make([]opsEvent, 0, len(history)),
	}
	for _, item := range res.Items {
		view.Items = append(view.Items, opsItem{VariantID: item.VariantID, Qty: item.Qty})
	}
	for _, event := range history {
		view.History = append(view.History, opsEvent{From: event.From, To: event.To, Reason: event.Reason, OccurredAt: event.Occurred})
	}
	return view
}

func (h *opsHandler) reservation(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	orderRef := r.PathValue("orderRef")
	snap, err := h.manager.Get(ctx, orderRef)
	if err != nil {
		h.fail(w, err)
		return
	}
	history, err := h.manager.History(ctx, orderRef)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newOpsReservation(snap, history))
}

func (h *opsHandler) held(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	held, err := h.manager.HeldQuantities(ctx)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"held": held})
}

func (h *opsHandler) variant(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	variantID := r.PathValue("variantID")
	available, err := h.calculator.AvailableStock(ctx, variantID)
	if err != nil {
		h.fail(w, err)
		return
	}
	held, err := h.manager.HeldQuantity(ctx, variantID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"variant_id": variantID,
		"available":  available,
		"held":       held,
	})
}

func (h *opsHandler) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrReservationNotFound), errors.Is(err, domain.ErrVariantNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		h.logger.WithError(err).Warn("ops request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
