package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidItem: некорректная позиция запроса (пустой вариант, qty <= 0, пустой заказ).
	ErrInvalidItem = errors.New("invalid item")
	// ErrVariantNotFound: вариант отсутствует в складском балансе.
	ErrVariantNotFound = errors.New("variant not found")
	// ErrInsufficientStock: доступного стока меньше, чем запрошено.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrDuplicateReservation: по заказу уже есть активный или подтверждённый резерв.
	ErrDuplicateReservation = errors.New("duplicate reservation")
	// ErrReservationNotFound: резерв по заказу не найден.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationNoLongerValid: оплата пришла после снятия резерва, требуется ручная сверка.
	ErrReservationNoLongerValid = errors.New("reservation no longer valid")
	// ErrCannotReleaseConfirmed: подтверждённый резерв снимается только через возврат.
	ErrCannotReleaseConfirmed = errors.New("cannot release confirmed reservation")
	// ErrStoreUnavailable: временная ошибка хранилища, вызывающий может повторить с backoff.
	ErrStoreUnavailable = errors.New("reservation store unavailable")
	// ErrIntegrityViolation: нарушен инвариант баланса; автоматически не чиним.
	ErrIntegrityViolation = errors.New("integrity violation")
	// ErrStateConflict: условная запись не применилась, запись уже в другом состоянии.
	ErrStateConflict = errors.New("reservation state conflict")
	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// ItemError уточняет ErrInvalidItem. Index = -1 относится к запросу целиком.
type ItemError struct {
	Index  int
	Reason string
}

func (e *ItemError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s", ErrInvalidItem, e.Reason)
	}
	return fmt.Sprintf("%s: item[%d]: %s", ErrInvalidItem, e.Index, e.Reason)
}

func (e *ItemError) Unwrap() error { return ErrInvalidItem }

// VariantNotFoundError называет первый отсутствующий вариант.
type VariantNotFoundError struct {
	VariantID string
}

func (e *VariantNotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", ErrVariantNotFound, e.VariantID)
}

func (e *VariantNotFoundError) Unwrap() error { return ErrVariantNotFound }

// InsufficientStockError называет первый вариант из запроса, по которому не хватило стока.
type InsufficientStockError struct {
	VariantID string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s: variant %s requested %d, available %d", ErrInsufficientStock, e.VariantID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// DuplicateReservationError возвращает существующий резерв, чтобы повтор Reserve был безопасен.
type DuplicateReservationError struct {
	Existing Reservation
}

func (e *DuplicateReservationError) Error() string {
	return fmt.Sprintf("%s: order %s already holds reservation %s (%s)", ErrDuplicateReservation, e.Existing.OrderRef, e.Existing.ID, e.Existing.State)
}

func (e *DuplicateReservationError) Unwrap() error { return ErrDuplicateReservation }

// IntegrityError описывает найденное нарушение инварианта.
type IntegrityError struct {
	VariantID string
	Detail    string
}

func (e *IntegrityError) Error() string {
	if e.VariantID == "" {
		return fmt.Sprintf("%s: %s", ErrIntegrityViolation, e.Detail)
	}
	return fmt.Sprintf("%s: variant %s: %s", ErrIntegrityViolation, e.VariantID, e.Detail)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrityViolation }

// StoreUnavailable оборачивает ошибку хранилища так, чтобы errors.Is(err, ErrStoreUnavailable) == true.
func StoreUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// IsStateConflict проверяет, является ли ошибка проигранной условной записью.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}

// IsBusinessOutcome: ожидаемые бизнес-исходы, которые показываются покупателю.
func IsBusinessOutcome(err error) bool {
	return errors.Is(err, ErrInvalidItem) ||
		errors.Is(err, ErrVariantNotFound) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrDuplicateReservation)
}

// RequiresAlert: исходы, которые эскалируются в операционный алертинг.
func RequiresAlert(err error) bool {
	return errors.Is(err, ErrIntegrityViolation) || errors.Is(err, ErrReservationNoLongerValid)
}
