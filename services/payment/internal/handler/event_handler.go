package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/seminar-payments-go/common/errors"
	"github.com/kyungseok/seminar-payments-go/common/events"
	"github.com/kyungseok/seminar-payments-go/common/idempotency"
	"github.com/kyungseok/seminar-payments-go/common/messaging"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/service"
)

const eventDedupTTL = 24 * time.Hour

// SubscribedTopics 등록 서비스가 구독하는 토픽
var SubscribedTopics = []string{
	string(events.EventPaymentCompleted),
	string(events.EventPaymentRefunded),
}

// EventHandler 이벤트 핸들러
type EventHandler struct {
	registrationService service.RegistrationService
	idemStore           idempotency.Store
	logger              *zap.Logger
}

// NewEventHandler 이벤트 핸들러 생성
func NewEventHandler(
	registrationService service.RegistrationService,
	idemStore idempotency.Store,
	logger *zap.Logger,
) *EventHandler {
	return &EventHandler{
		registrationService: registrationService,
		idemStore:           idemStore,
		logger:              logger,
	}
}

// HandleMessage 메시지 처리
func (h *EventHandler) HandleMessage(ctx context.Context, msg *messaging.Message) error {
	h.logger.Debug("received message",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset))

	switch events.EventType(msg.Topic) {
	case events.EventPaymentCompleted:
		var evt events.PaymentCompletedEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return fmt.Errorf("failed to decode %s: %w", msg.Topic, err)
		}
		return h.once(ctx, evt.EventID, func() error {
			return h.registrationService.HandlePaymentCompleted(ctx, evt)
		})
	case events.EventPaymentRefunded:
		var evt events.PaymentRefundedEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return fmt.Errorf("failed to decode %s: %w", msg.Topic, err)
		}
		return h.once(ctx, evt.EventID, func() error {
			return h.registrationService.HandlePaymentRefunded(ctx, evt)
		})
	default:
		h.logger.Warn("unknown event type", zap.String("topic", msg.Topic))
		return nil
	}
}

// once 이벤트 ID 기준으로 한 번만 처리
//
// 일시적 실패는 키를 풀고 에러를 돌려 컨슈머가 다시 전달하게 한다. 비즈니스 에러는 다시 처리해도 같으므로 완료로 남긴다.
func (h *EventHandler) once(ctx context.Context, eventID string, fn func() error) error {
	if eventID == "" {
		return fn()
	}

	logger := h.logger.With(zap.String("eventId", eventID))
	reservation, err := h.idemStore.Reserve(ctx, "event:"+eventID, idempotency.DefaultInFlightTTL)
	if err != nil {
		return errors.Wrap(errors.ErrCodeNetworkError, "idempotency store unavailable", err)
	}
	if reservation == nil {
		logger.Info("event already processed or in flight")
		return nil
	}

	if err := fn(); err != nil {
		if !errors.IsBusinessError(err) {
			if relErr := h.idemStore.Release(context.WithoutCancel(ctx), reservation); relErr != nil {
				logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
			return err
		}
		logger.Warn("event rejected", zap.Error(err))
	}

	if err := h.idemStore.Complete(context.WithoutCancel(ctx), reservation, eventDedupTTL); err != nil {
		// 처리 결과는 이미 커밋됨. 재전달되더라도 저장소 쪽 유니크 제약이 중복을 막는다
		logger.Warn("failed to mark event as processed", zap.Error(err))
	}
	return nil
}
