package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventPayload: тело события резерва в outbox.
type EventPayload struct {
	ReservationID string           `json:"reservation_id"`
	OrderRef      string           `json:"order_ref"`
	From          ReservationState `json:"from,omitempty"`
	State         ReservationState `json:"state"`
	Reason        string           `json:"reason,omitempty"`
	Items         []EventItem      `json:"items"`
	ExpiresAt     time.Time        `json:"expires_at"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// EventItem: позиция резерва в событии.
type EventItem struct {
	VariantID string `json:"variant_id"`
	Qty       int32  `json:"qty"`
}

// NewTransitionMessage строит outbox-сообщение о переходе резерва from → to.
// Для создания резерва from пустой.
func NewTransitionMessage(res Reservation, from, to ReservationState, reason string, at time.Time) (*OutboxMessage, error) {
	items := make([]EventItem, 0, len(res.Items))
	for _, item := range res.Items {
		items = append(items, EventItem{VariantID: item.VariantID, Qty: item.Qty})
	}

	payload, err := json.Marshal(EventPayload{
		ReservationID: res.ID,
		OrderRef:      res.OrderRef,
		From:          from,
		State:         to,
		Reason:        reason,
		Items:         items,
		ExpiresAt:     res.ExpiresAt,
		OccurredAt:    at,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", to, err)
	}

	return &OutboxMessage{
		AggregateType: AggregateTypeReservation,
		AggregateID:   res.OrderRef,
		EventType:     EventTypeForState(to),
		Payload:       payload,
	}, nil
}

// NewExpiryMessage: событие reserved → expired, общее для sweeper-а и истечения внутри Reserve.
func NewExpiryMessage(res Reservation, at time.Time) (*OutboxMessage, error) {
	return NewTransitionMessage(res, ReservationStateReserved, ReservationStateExpired, ReleaseReasonExpired, at)
}

// ExpiryTransition собирает условную запись reserved → expired вместе с её событием.
func ExpiryTransition(res Reservation, at time.Time) (TransitionRequest, error) {
	msg, err := NewExpiryMessage(res, at)
	if err != nil {
		return TransitionRequest{}, err
	}
	return TransitionRequest{
		ReservationID: res.ID,
		From:          ReservationStateReserved,
		To:            ReservationStateExpired,
		Reason:        ReleaseReasonExpired,
		At:            at,
		Expiry:        ExpiryPassed,
		Outbox:        msg,
	}, nil
}
