package reservation

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockhold/internal/clock"
	"github.com/vladislavdragonenkov/stockhold/internal/domain"
	"github.com/vladislavdragonenkov/stockhold/internal/metrics"
)

// Calculator считает доступный к продаже сток.
type Calculator struct {
	store   domain.ReservationStore
	clock   clock.Clock
	logger  *log.Entry
	metrics *metrics.ReservationMetrics
}

// NewCalculator создаёт калькулятор доступности.
func NewCalculator(store domain.ReservationStore, opts ...Option) *Calculator {
	o := buildOptions("availability", opts)
	return &Calculator{
		store:   store,
		clock:   o.clock,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// AvailableStock = stock on hand − активные удержания. Отрицательное значение
// не обрезается до нуля, а возвращается как IntegrityError.
func (c *Calculator) AvailableStock(ctx context.Context, variantID string) (int64, error) {
	snap, err := c.store.Availability(ctx, variantID, c.clock.Now())
	if err != nil {
		return 0, err
	}

	available := snap.Available()
	if available < 0 {
		c.metrics.RecordIntegrityViolation()
		c.logger.WithFields(log.Fields{
			"variant_id":    variantID,
			"stock_on_hand": snap.StockOnHand,
			"held":          snap.Held,
			"alert":         true,
		}).Error("held quantity exceeds stock on hand")
		return 0, &domain.IntegrityError{VariantID: variantID, Detail: "held quantity exceeds stock on hand"}
	}

	return available, nil
}
