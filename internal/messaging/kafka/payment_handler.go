package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
)

// ReservationActions: операции менеджера резервов, которые вызывает результат оплаты.
type ReservationActions interface {
	Confirm(ctx context.Context, orderRef string) (domain.Reservation, error)
	Release(ctx context.Context, orderRef, reason string) (domain.Reservation, error)
}

// PaymentResultsHandler переводит результаты оплаты в Confirm/Release.
type PaymentResultsHandler struct {
	reservations ReservationActions
	logger       *log.Entry
}

// NewPaymentResultsHandler создаёт обработчик topic результатов оплаты.
func NewPaymentResultsHandler(reservations ReservationActions, logger *log.Entry) *PaymentResultsHandler {
	if logger == nil {
		logger = log.WithField("component", "payment-results")
	}
	return &PaymentResultsHandler{reservations: reservations, logger: logger}
}

// Handle реализует MessageHandler. Бизнес-исходы коммитятся, временные ошибки
// возвращаются для повтора, нарушения целостности уходят в DLQ.
func (h *PaymentResultsHandler) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	result, err := ParsePaymentResult(message)
	if err != nil {
		return Permanent(err)
	}

	entry := h.logger.WithFields(log.Fields{
		"order_ref": result.OrderRef,
		"outcome":   result.Outcome,
		"offset":    message.Offset,
	})

	if result.Outcome == PaymentSucceeded {
		_, err = h.reservations.Confirm(ctx, result.OrderRef)
	} else {
		_, err = h.reservations.Release(ctx, result.OrderRef, result.ReleaseReason())
	}

	switch {
	case err == nil:
		entry.Debug("payment result applied")
		return nil
	case errors.Is(err, domain.ErrReservationNoLongerValid),
		errors.Is(err, domain.ErrCannotReleaseConfirmed):
		// Требует ручной сверки (возврат или повторный резерв), повтор ничего не изменит.
		entry.WithError(err).WithField("alert", true).Error("payment result conflicts with reservation state")
		return nil
	case errors.Is(err, domain.ErrIntegrityViolation),
		errors.Is(err, domain.ErrReservationNotFound):
		entry.WithError(err).WithField("alert", true).Error("payment result cannot be applied")
		return Permanent(err)
	default:
		entry.WithError(err).Warn("payment result failed, will retry")
		return err
	}
}
