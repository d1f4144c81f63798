package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/kyungseok/seminar-payments-go/common/errors"
	"github.com/kyungseok/seminar-payments-go/common/retry"
)

// Publisher 이벤트 발행 인터페이스
type Publisher interface {
	Publish(ctx context.Context, topic string, key string, event interface{}) error
	Close() error
}

// Consumer 이벤트 구독 인터페이스
type Consumer interface {
	Subscribe(ctx context.Context, topics []string, handler MessageHandler) error
	Close() error
}

// MessageHandler 메시지 핸들러 함수 타입
type MessageHandler func(ctx context.Context, msg *Message) error

// Message 메시지 구조체
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// KafkaPublisher Kafka 기반 이벤트 발행자
type KafkaPublisher struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
}

// NewKafkaPublisher Kafka 발행자 생성
func NewKafkaPublisher(brokers []string, logger *zap.Logger) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return NewPublisherWithProducer(producer, logger), nil
}

// NewPublisherWithProducer 주어진 SyncProducer로 발행자 생성
func NewPublisherWithProducer(producer sarama.SyncProducer, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		logger:   logger,
	}
}

// Publish 이벤트 발행. json.RawMessage는 그대로 전송된다.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, key string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.Error("failed to send message",
			zap.Error(err),
			zap.String("topic", topic),
			zap.String("key", key))
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.Debug("message sent",
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// Close 발행자 종료
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// HandlerRetryConfig 핸들러 재시도 설정.
// 재시도 가능한 에러는 ctx가 끝날 때까지 재시도하고 그 전에는 오프셋을 커밋하지 않는다.
func HandlerRetryConfig() retry.Config {
	return retry.Config{
		InitialInterval:    500 * time.Millisecond,
		MaxInterval:        30 * time.Second,
		BackoffCoefficient: 2.0,
		RetryIf:            errors.IsRetryable,
	}
}

// KafkaConsumer Kafka 기반 이벤트 구독자
type KafkaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	handler       MessageHandler
	retryConfig   retry.Config
	logger        *zap.Logger
}

// NewKafkaConsumer Kafka 구독자 생성
func NewKafkaConsumer(brokers []string, groupID string, logger *zap.Logger) (*KafkaConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &KafkaConsumer{
		consumerGroup: consumerGroup,
		retryConfig:   HandlerRetryConfig(),
		logger:        logger,
	}, nil
}

// Subscribe 토픽 구독. ctx가 취소되면 소비 루프가 종료된다.
func (c *KafkaConsumer) Subscribe(ctx context.Context, topics []string, handler MessageHandler) error {
	c.handler = handler
	consumerHandler := &consumerGroupHandler{consumer: c}

	go func() {
		for {
			if err := c.consumerGroup.Consume(ctx, topics, consumerHandler); err != nil {
				c.logger.Error("error from consumer", zap.Error(err))
			}

			if ctx.Err() != nil {
				return
			}
		}
	}()

	return nil
}

// Close 구독자 종료
func (c *KafkaConsumer) Close() error {
	return c.consumerGroup.Close()
}

// deliver 메시지 하나를 핸들러에 전달. 오프셋을 커밋해도 되면 true
//
// 재시도 가능한 에러는 백오프하며 다시 전달한다. 세션이 끝나 재시도를 멈추면 false를 반환하고,
// 커밋되지 않은 메시지는 다음 세션에서 다시 전달된다. 재시도 불가능한 에러는 기록 후 넘어간다.
func (c *KafkaConsumer) deliver(ctx context.Context, message *sarama.ConsumerMessage) bool {
	msg := &Message{
		Topic:     message.Topic,
		Partition: message.Partition,
		Offset:    message.Offset,
		Key:       message.Key,
		Value:     message.Value,
	}
	logger := c.logger.With(
		zap.String("topic", message.Topic),
		zap.Int32("partition", message.Partition),
		zap.Int64("offset", message.Offset))

	err := retry.Do(ctx, c.retryConfig, logger, func() error {
		return c.handler(ctx, msg)
	})
	switch {
	case err == nil:
		return true
	case ctx.Err() != nil:
		logger.Warn("session ended before message was handled, leaving offset uncommitted", zap.Error(err))
		return false
	case errors.IsRetryable(err):
		// 재시도 횟수 제한이 걸린 설정에서 소진된 경우
		logger.Error("message retries exhausted, leaving offset uncommitted", zap.Error(err))
		return false
	default:
		logger.Error("dropping message after permanent failure", zap.Error(err))
		return true
	}
}

// consumerGroupHandler Kafka 컨슈머 그룹 핸들러
type consumerGroupHandler struct {
	consumer *KafkaConsumer
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if !h.consumer.deliver(session.Context(), message) {
			// 같은 파티션의 뒤 메시지가 먼저 커밋되지 않도록 클레임을 멈춘다
			return nil
		}
		session.MarkMessage(message, "")
	}

	return nil
}
