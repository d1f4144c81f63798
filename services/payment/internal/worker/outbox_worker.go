package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/seminar-payments-go/common/messaging"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/metrics"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/repository"
)

const defaultBatchSize = 100

// OutboxWorker Outbox 패턴 워커
type OutboxWorker struct {
	outboxRepo repository.OutboxRepository
	publisher  messaging.Publisher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	interval   time.Duration
	batchSize  int
}

// NewOutboxWorker Outbox 워커 생성
func NewOutboxWorker(
	outboxRepo repository.OutboxRepository,
	publisher messaging.Publisher,
	m *metrics.Metrics,
	logger *zap.Logger,
	interval time.Duration,
) *OutboxWorker {
	if interval <= 0 {
		interval = time.Second
	}
	return &OutboxWorker{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		metrics:    m,
		logger:     logger,
		interval:   interval,
		batchSize:  defaultBatchSize,
	}
}

// Start 워커 시작. ctx가 취소될 때까지 블록된다.
func (w *OutboxWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("outbox worker started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
			if _, err := w.ProcessOnce(ctx); err != nil {
				w.logger.Error("failed to process outbox events", zap.Error(err))
			}
		}
	}
}

// ProcessOnce 대기 중인 이벤트를 한 번 발행하고 발행한 개수를 반환
func (w *OutboxWorker) ProcessOnce(ctx context.Context) (int, error) {
	events, err := w.outboxRepo.FindPending(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	if len(events) == 0 {
		return 0, nil
	}

	w.logger.Debug("processing outbox events", zap.Int("count", len(events)))

	sent := 0
	for _, event := range events {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}

		// aggregate id를 키로 사용해 같은 결제의 이벤트 순서를 유지
		err := w.publisher.Publish(ctx, event.EventType, event.AggregateID, json.RawMessage(event.Payload))
		w.metrics.EventPublished(event.EventType, err == nil)
		if err != nil {
			w.logger.Error("failed to publish event",
				zap.Int64("eventId", event.ID),
				zap.String("eventType", event.EventType),
				zap.Error(err))
			continue
		}

		if err := w.outboxRepo.MarkSent(ctx, event.ID); err != nil {
			w.logger.Error("failed to mark event as sent",
				zap.Int64("eventId", event.ID),
				zap.Error(err))
			continue
		}
		sent++
	}

	return sent, nil
}
