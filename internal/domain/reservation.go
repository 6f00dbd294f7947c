package domain

import (
	"fmt"
	"strings"
	"time"
)

// ReservationState отражает состояние резерва в жизненном цикле checkout → оплата.
type ReservationState string

const (
	// ReservationStateReserved: сток удерживается под заказ, ждём результат оплаты.
	ReservationStateReserved ReservationState = "reserved"
	// ReservationStateConfirmed: оплата прошла, сток списан с баланса.
	ReservationStateConfirmed ReservationState = "confirmed"
	// ReservationStateReleased: резерв снят, оплата отклонена или checkout отменён.
	ReservationStateReleased ReservationState = "released"
	// ReservationStateExpired: резерв просрочен и снят sweeper-ом.
	ReservationStateExpired ReservationState = "expired"
)

// DefaultHoldDuration: время жизни резерва, если не задано иное.
const DefaultHoldDuration = 15 * time.Minute

const (
	// ReleaseReasonDefault используется, если вызывающий не передал причину.
	ReleaseReasonDefault = "released"
	// ReleaseReasonExpired проставляется sweeper-ом.
	ReleaseReasonExpired = "expired"
	// ConfirmReasonPayment проставляется при подтверждении.
	ConfirmReasonPayment = "payment_succeeded"
)

// Valid проверяет, что состояние относится к поддерживаемым значениям.
func (s ReservationState) Valid() bool {
	switch s {
	case ReservationStateReserved, ReservationStateConfirmed, ReservationStateReleased, ReservationStateExpired:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из состояния больше нет переходов.
func (s ReservationState) Terminal() bool {
	switch s {
	case ReservationStateConfirmed, ReservationStateReleased, ReservationStateExpired:
		return true
	default:
		return false
	}
}

// CanTransition описывает допустимые рёбра state machine.
func (s ReservationState) CanTransition(to ReservationState) bool {
	return s == ReservationStateReserved && to.Terminal()
}

// ReservationItem: одна позиция резерва.
type ReservationItem struct {
	VariantID string
	Qty       int32
}

// Reservation удерживает сток под все позиции одного checkout.
// Reason фиксирует причину выхода из reserved и пуст, пока резерв активен.
type Reservation struct {
	ID        string
	OrderRef  string
	Items     []ReservationItem
	State     ReservationState
	Reason    string
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActiveAt возвращает true, если резерв удерживает сток в момент now.
// Просроченный, но ещё не обработанный sweeper-ом резерв сток не держит.
func (r Reservation) ActiveAt(now time.Time) bool {
	return r.State == ReservationStateReserved && r.ExpiresAt.After(now)
}

// EffectiveState возвращает состояние так, как его видят все read-path:
// reserved с истёкшим сроком считается expired.
func (r Reservation) EffectiveState(now time.Time) ReservationState {
	if r.State == ReservationStateReserved && !r.ExpiresAt.After(now) {
		return ReservationStateExpired
	}
	return r.State
}

// QuantityByVariant суммирует количество по варианту с сохранением порядка первого появления.
func (r Reservation) QuantityByVariant() ([]string, map[string]int64) {
	return SumItems(r.Items)
}

// Clone возвращает копию без общих слайсов.
func (r Reservation) Clone() Reservation {
	dst := r
	dst.Items = append([]ReservationItem(nil), r.Items...)
	return dst
}

// SumItems схлопывает повторяющиеся варианты. order хранит порядок первого появления,
// чтобы ошибки называли первую позицию из запроса.
func SumItems(items []ReservationItem) ([]string, map[string]int64) {
	order := make([]string, 0, len(items))
	totals := make(map[string]int64, len(items))
	for _, item := range items {
		if _, seen := totals[item.VariantID]; !seen {
			order = append(order, item.VariantID)
		}
		totals[item.VariantID] += int64(item.Qty)
	}
	return order, totals
}

// ValidateReserveRequest проверяет входные данные Reserve до обращения к хранилищу.
func ValidateReserveRequest(orderRef string, items []ReservationItem) error {
	if strings.TrimSpace(orderRef) == "" {
		return &ItemError{Index: -1, Reason: "order reference is required"}
	}
	if len(items) == 0 {
		return &ItemError{Index: -1, Reason: "at least one item is required"}
	}
	for idx, item := range items {
		if strings.TrimSpace(item.VariantID) == "" {
			return &ItemError{Index: idx, Reason: "variant_id is required"}
		}
		if item.Qty <= 0 {
			return &ItemError{Index: idx, Reason: fmt.Sprintf("qty must be greater than zero, got %d", item.Qty)}
		}
	}
	return nil
}

// Variant: запись складского баланса.
type Variant struct {
	ID          string
	StockOnHand int64
	UpdatedAt   time.Time
}

// ReservationEvent: запись аудита о переходе резерва между состояниями.
// From пустой для события создания.
type ReservationEvent struct {
	ReservationID string
	OrderRef      string
	From          ReservationState
	To            ReservationState
	Reason        string
	Occurred      time.Time
}
