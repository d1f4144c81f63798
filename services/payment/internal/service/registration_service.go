package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kyungseok/seminar-payments-go/common/errors"
	"github.com/kyungseok/seminar-payments-go/common/events"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/domain"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/repository"
)

// RegistrationService 세미나 등록 서비스 인터페이스
type RegistrationService interface {
	HandlePaymentCompleted(ctx context.Context, evt events.PaymentCompletedEvent) error
	HandlePaymentRefunded(ctx context.Context, evt events.PaymentRefundedEvent) error
	ListRegistrations(ctx context.Context, seminarID string) ([]*domain.Registration, error)
}

type registrationService struct {
	txRunner         repository.TxRunner
	registrationRepo repository.RegistrationRepository
	seminarRepo      repository.SeminarRepository
	outboxRepo       repository.OutboxRepository
	logger           *zap.Logger
	now              func() time.Time
}

// NewRegistrationService 등록 서비스 생성
func NewRegistrationService(
	txRunner repository.TxRunner,
	registrationRepo repository.RegistrationRepository,
	seminarRepo repository.SeminarRepository,
	outboxRepo repository.OutboxRepository,
	logger *zap.Logger,
) RegistrationService {
	return &registrationService{
		txRunner:         txRunner,
		registrationRepo: registrationRepo,
		seminarRepo:      seminarRepo,
		outboxRepo:       outboxRepo,
		logger:           logger,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// HandlePaymentCompleted 결제 완료 이벤트 처리 (등록 확정 + 인원 증가)
func (s *registrationService) HandlePaymentCompleted(ctx context.Context, evt events.PaymentCompletedEvent) error {
	s.logger.Info("handling payment completed event",
		zap.String("paymentId", evt.PaymentID),
		zap.String("seminarId", evt.SeminarID),
		zap.String("eventId", evt.EventID))

	now := s.now()
	registration := &domain.Registration{
		ID:        uuid.New().String(),
		SeminarID: evt.SeminarID,
		PaymentID: evt.PaymentID,
		Participant: domain.Participant{
			Name:  evt.Participant.Name,
			Email: evt.Participant.Email,
			Phone: evt.Participant.Phone,
		},
		Status:    domain.RegistrationStatusConfirmed,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created := false
	err := s.txRunner.WithinTx(ctx, func(tx repository.DBTX) error {
		ok, err := s.registrationRepo.CreateTx(ctx, tx, registration)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.seminarRepo.AdjustRegisteredCountTx(ctx, tx, evt.SeminarID, 1); err != nil {
			return err
		}

		outboxEvent, err := registrationEvent(events.EventRegistrationConfirmed, registration.ID, evt.PaymentID, evt.SeminarID, evt.CorrelationID, now)
		if err != nil {
			return err
		}
		if err := s.outboxRepo.InsertTx(ctx, tx, outboxEvent); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to confirm registration", err)
	}

	if !created {
		s.logger.Info("registration already exists for payment", zap.String("paymentId", evt.PaymentID))
		return nil
	}

	s.logger.Info("registration confirmed",
		zap.String("registrationId", registration.ID),
		zap.String("paymentId", evt.PaymentID))
	return nil
}

// HandlePaymentRefunded 결제 환불 이벤트 처리 (등록 취소 + 인원 감소)
func (s *registrationService) HandlePaymentRefunded(ctx context.Context, evt events.PaymentRefundedEvent) error {
	s.logger.Info("handling payment refunded event",
		zap.String("paymentId", evt.PaymentID),
		zap.String("eventId", evt.EventID))

	var registrationID string
	err := s.txRunner.WithinTx(ctx, func(tx repository.DBTX) error {
		regID, seminarID, err := s.registrationRepo.CancelByPaymentIDTx(ctx, tx, evt.PaymentID)
		if err != nil {
			return err
		}
		if regID == "" {
			return nil
		}
		if err := s.seminarRepo.AdjustRegisteredCountTx(ctx, tx, seminarID, -1); err != nil {
			return err
		}

		outboxEvent, err := registrationEvent(events.EventRegistrationCancelled, regID, evt.PaymentID, seminarID, evt.CorrelationID, s.now())
		if err != nil {
			return err
		}
		if err := s.outboxRepo.InsertTx(ctx, tx, outboxEvent); err != nil {
			return err
		}
		registrationID = regID
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to cancel registration", err)
	}

	if registrationID == "" {
		s.logger.Info("no confirmed registration for refunded payment", zap.String("paymentId", evt.PaymentID))
		return nil
	}

	s.logger.Info("registration cancelled",
		zap.String("registrationId", registrationID),
		zap.String("paymentId", evt.PaymentID))
	return nil
}

// ListRegistrations 세미나별 등록 목록
func (s *registrationService) ListRegistrations(ctx context.Context, seminarID string) ([]*domain.Registration, error) {
	registrations, err := s.registrationRepo.ListBySeminar(ctx, seminarID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to list registrations", err)
	}
	return registrations, nil
}

func registrationEvent(eventType events.EventType, registrationID, paymentID, seminarID, correlationID string, at time.Time) (*repository.OutboxEvent, error) {
	base := events.BaseEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		SchemaVersion: 1,
		OccurredAt:    at,
		CorrelationID: correlationID,
	}

	var payload interface{}
	if eventType == events.EventRegistrationCancelled {
		payload = events.RegistrationCancelledEvent{BaseEvent: base, RegistrationID: registrationID, PaymentID: paymentID, SeminarID: seminarID}
	} else {
		payload = events.RegistrationConfirmedEvent{BaseEvent: base, RegistrationID: registrationID, PaymentID: paymentID, SeminarID: seminarID}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerializationError, "failed to marshal event", err)
	}

	return &repository.OutboxEvent{
		AggregateType: "registration",
		AggregateID:   registrationID,
		EventType:     string(eventType),
		Payload:       raw,
		Status:        repository.OutboxStatusPending,
		CreatedAt:     at,
	}, nil
}
