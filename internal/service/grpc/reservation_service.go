package grpcsvc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
	"github.com/vladislavdragonenkov/stockhold/internal/service/reservation"
)

// DefaultCallTimeout ограничивает обращение к хранилищу, если клиент не задал дедлайн короче.
const DefaultCallTimeout = 3 * time.Second

// ReservationService реализует gRPC API поверх менеджера резервов.
//
// Поля запросов:
//
//	Reserve         {order_ref, items: [{variant_id, qty}]}   → {reservation}
//	Confirm         {order_ref}                               → {reservation}
//	Release         {order_ref, reason?}                      → {reservation}
//	GetReservation  {order_ref, include_history?}             → {reservation, effective_state, read_at, history?}
//	GetAvailability {variant_id}                              → {variant_id, available, held}
//	ListHeld        {}                                        → {held: {variant_id: qty}}
type ReservationService struct {
	manager     *reservation.Manager
	calculator  *reservation.Calculator
	logger      *log.Entry
	callTimeout time.Duration
}

// NewReservationService конструирует сервис с зависимостями.
func NewReservationService(
	manager *reservation.Manager,
	calculator *reservation.Calculator,
	logger *log.Entry,
	callTimeout time.Duration,
) *ReservationService {
	if logger == nil {
		logger = log.New().WithField("component", "reservation-grpc")
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &ReservationService{
		manager:     manager,
		calculator:  calculator,
		logger:      logger,
		callTimeout: callTimeout,
	}
}

// Reserve удерживает сток под заказ.
func (s *ReservationService) Reserve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderRef, err := requiredString(req, "order_ref")
	if err != nil {
		return nil, err
	}
	items, err := parseItems(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	res, err := s.manager.Reserve(ctx, orderRef, items)
	if err != nil {
		return nil, s.toStatus(methodReserve, err)
	}
	return reservationResponse(res)
}

// Confirm подтверждает резерв после успешной оплаты.
func (s *ReservationService) Confirm(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderRef, err := requiredString(req, "order_ref")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	res, err := s.manager.Confirm(ctx, orderRef)
	if err != nil {
		return nil, s.toStatus(methodConfirm, err)
	}
	return reservationResponse(res)
}

// Release снимает удержание.
func (s *ReservationService) Release(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderRef, err := requiredString(req, "order_ref")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	res, err := s.manager.Release(ctx, orderRef, stringField(req, "reason"))
	if err != nil {
		return nil, s.toStatus(methodRelease, err)
	}
	return reservationResponse(res)
}

// GetReservation возвращает последний резерв заказа и, по запросу, историю переходов.
func (s *ReservationService) GetReservation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderRef, err := requiredString(req, "order_ref")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	snap, err := s.manager.Get(ctx, orderRef)
	if err != nil {
		return nil, s.toStatus(methodGetReservation, err)
	}

	resp := map[string]any{
		"reservation":     reservationMap(snap.Reservation),
		"effective_state": string(snap.EffectiveState),
		"read_at":         formatTime(snap.ReadAt),
	}

	if req.GetFields()["include_history"].GetBoolValue() {
		events, err := s.manager.History(ctx, orderRef)
		if err != nil {
			return nil, s.toStatus(methodGetReservation, err)
		}
		history := make([]any, 0, len(events))
		for _, event := range events {
			history = append(history, eventMap(event))
		}
		resp["history"] = history
	}

	return newStruct(resp)
}

// GetAvailability возвращает доступный к продаже сток и активные удержания варианта.
func (s *ReservationService) GetAvailability(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	variantID, err := requiredString(req, "variant_id")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	available, err := s.calculator.AvailableStock(ctx, variantID)
	if err != nil {
		return nil, s.toStatus(methodGetAvailability, err)
	}
	held, err := s.manager.HeldQuantity(ctx, variantID)
	if err != nil {
		return nil, s.toStatus(methodGetAvailability, err)
	}

	return newStruct(map[string]any{
		"variant_id": variantID,
		"available":  available,
		"held":       held,
	})
}

// ListHeld возвращает активные удержания по всем вариантам.
func (s *ReservationService) ListHeld(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	held, err := s.manager.HeldQuantities(ctx)
	if err != nil {
		return nil, s.toStatus(methodListHeld, err)
	}

	result := make(map[string]any, len(held))
	for variantID, qty := range held {
		result[variantID] = qty
	}
	return newStruct(map[string]any{"held": result})
}

// toStatus переводит доменную ошибку в gRPC-код.
func (s *ReservationService) toStatus(method string, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codeFor(err)
	entry := s.logger.WithError(err).WithFields(log.Fields{
		"method": method,
		"code":   code.String(),
	})
	if code == codes.Internal || code == codes.Unavailable || code == codes.DataLoss {
		entry.Warn("reservation request failed")
	} else {
		entry.Debug("reservation request rejected")
	}

	st := status.New(code, err.Error())

	var dup *domain.DuplicateReservationError
	if errors.As(err, &dup) {
		if existing, buildErr := structpb.NewStruct(reservationMap(dup.Existing)); buildErr == nil {
			if detailed, detailErr := st.WithDetails(existing); detailErr == nil {
				st = detailed
			}
		}
	}

	return st.Err()
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, domain.ErrInvalidItem):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrVariantNotFound), errors.Is(err, domain.ErrReservationNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		return codes.ResourceExhausted
	case errors.Is(err, domain.ErrDuplicateReservation):
		return codes.AlreadyExists
	case errors.Is(err, domain.ErrReservationNoLongerValid), errors.Is(err, domain.ErrCannotReleaseConfirmed):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrIntegrityViolation):
		return codes.DataLoss
	case errors.Is(err, domain.ErrStateConflict):
		return codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, domain.ErrStoreUnavailable):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func requiredString(req *structpb.Struct, field string) (string, error) {
	value := stringField(req, field)
	if value == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	return value, nil
}

func stringField(req *structpb.Struct, field string) string {
	return strings.TrimSpace(req.GetFields()[field].GetStringValue())
}

// parseItems разбирает items; проверки qty > 0 и пустого variant_id остаются за доменом,
// здесь отсекается только то, что не ложится в int32.
func parseItems(req *structpb.Struct) ([]domain.ReservationItem, error) {
	values := req.GetFields()["items"].GetListValue().GetValues()
	items := make([]domain.ReservationItem, 0, len(values))
	for idx, value := range values {
		fields := value.GetStructValue().GetFields()
		if fields == nil {
			return nil, status.Errorf(codes.InvalidArgument, "item[%d] must be an object", idx)
		}

		qty := fields["qty"].GetNumberValue()
		if qty != math.Trunc(qty) || qty > math.MaxInt32 || qty < math.MinInt32 {
			return nil, status.Errorf(codes.InvalidArgument, "item[%d].qty must be an integer", idx)
		}

		items = append(items, domain.ReservationItem{
			VariantID: strings.TrimSpace(fields["variant_id"].GetStringValue()),
			Qty:       int32(qty),
		})
	}
	return items, nil
}

func reservationResponse(res domain.Reservation) (*structpb.Struct, error) {
	return newStruct(map[string]any{"reservation": reservationMap(res)})
}

func reservationMap(res domain.Reservation) map[string]any {
	items := make([]any, 0, len(res.Items))
	for _, item := range res.Items {
		items = append(items, map[string]any{
			"variant_id": item.VariantID,
			"qty":        item.Qty,
		})
	}
	return map[string]any{
		"id":         res.ID,
		"order_ref":  res.OrderRef,
		"state":      string(res.State),
		"reason":     res.Reason,
		"items":      items,
		"expires_at": formatTime(res.ExpiresAt),
		"created_at": formatTime(res.CreatedAt),
		"updated_at": formatTime(res.UpdatedAt),
	}
}

func eventMap(event domain.ReservationEvent) map[string]any {
	return map[string]any{
		"reservation_id": event.ReservationID,
		"from":           string(event.From),
		"to":             string(event.To),
		"reason":         event.Reason,
		"occurred_at":    formatTime(event.Occurred),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	result, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return result, nil
}

var _ ReservationServiceServer = (*ReservationService)(nil)
