package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
)

type stubReservations struct {
	confirmErr error
	releaseErr error

	confirmed []string
	released  map[string]string
}

func (s *stubReservations) Confirm(_ context.Context, orderRef string) (domain.Reservation, error) {
	s.confirmed = append(s.confirmed, orderRef)
	return domain.Reservation{OrderRef: orderRef, State: domain.ReservationStateConfirmed}, s.confirmErr
}

func (s *stubReservations) Release(_ context.Context, orderRef, reason string) (domain.Reservation, error) {
	if s.released == nil {
		s.released = make(map[string]string)
	}
	s.released[orderRef] = reason
	return domain.Reservation{OrderRef: orderRef, State: domain.ReservationStateReleased}, s.releaseErr
}

func paymentMessage(value string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: TopicPaymentResults, Key: []byte("k"), Value: []byte(value)}
}

func TestPaymentResultsHandler_RoutesOutcomes(t *testing.T) {
	stub := &stubReservations{}
	handler := NewPaymentResultsHandler(stub, log.WithField("test", "payment"))

	if err := handler.Handle(context.Background(), paymentMessage(`{"order_ref":"o-1","outcome":"succeeded"}`)); err != nil {
		t.Fatalf("confirm path failed: %v", err)
	}
	if err := handler.Handle(context.Background(), paymentMessage(`{"order_ref":"o-2","outcome":"failed"}`)); err != nil {
		t.Fatalf("release path failed: %v", err)
	}
	if err := handler.Handle(context.Background(), paymentMessage(`{"order_ref":"o-3","outcome":"canceled","reason":"user_abort"}`)); err != nil {
		t.Fatalf("release path failed: %v", err)
	}

	if len(stub.confirmed) != 1 || stub.confirmed[0] != "o-1" {
		t.Fatalf("unexpected confirms: %v", stub.confirmed)
	}
	if stub.released["o-2"] != "payment_failed" || stub.released["o-3"] != "user_abort" {
		t.Fatalf("unexpected releases: %v", stub.released)
	}
}

func TestPaymentResultsHandler_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantErr   bool
		permanent bool
	}{
		{name: "no longer valid is committed", err: domain.ErrReservationNoLongerValid},
		{name: "integrity goes to dlq", err: &domain.IntegrityError{VariantID: "X", Detail: "negative"}, wantErr: true, permanent: true},
		{name: "unknown order goes to dlq", err: domain.ErrReservationNotFound, wantErr: true, permanent: true},
		{name: "store outage is retried", err: domain.StoreUnavailable("select", errors.New("timeout")), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewPaymentResultsHandler(&stubReservations{confirmErr: tt.err}, nil)
			err := handler.Handle(context.Background(), paymentMessage(`{"order_ref":"o-1","outcome":"succeeded"}`))
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error: %v", err)
			}
			if IsPermanent(err) != tt.permanent {
				t.Fatalf("IsPermanent(%v) = %v, want %v", err, IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestPaymentResultsHandler_ReleaseOfConfirmedIsCommitted(t *testing.T) {
	handler := NewPaymentResultsHandler(&stubReservations{releaseErr: domain.ErrCannotReleaseConfirmed}, nil)
	if err := handler.Handle(context.Background(), paymentMessage(`{"order_ref":"o-1","outcome":"failed"}`)); err != nil {
		t.Fatalf("expected commit, got %v", err)
	}
}

func TestPaymentResultsHandler_MalformedIsPermanent(t *testing.T) {
	handler := NewPaymentResultsHandler(&stubReservations{}, nil)

	err := handler.Handle(context.Background(), paymentMessage(`not json`))
	if !IsPermanent(err) {
		t.Fatalf("malformed message must be permanent, got %v", err)
	}
	err = handler.Handle(context.Background(), paymentMessage(`{"outcome":"succeeded"}`))
	if !IsPermanent(err) {
		t.Fatalf("missing order_ref must be permanent, got %v", err)
	}
}
