package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/boostmart/internal/model"
)

// KafkaPublisher пишет сообщения в Kafka синхронно, чтобы outbox отмечал только доставленное.
type KafkaPublisher struct {
	w *kafka.Writer
}

// NewKafkaPublisher создаёт издателя. Топик берётся из каждого сообщения.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

// Publish отправляет сообщение, ключ: идентификатор заказа.
func (p *KafkaPublisher) Publish(ctx context.Context, msg model.OutboxMessage) error {
	err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Time:  msg.CreatedAt,
		Headers: []kafka.Header{
			{Key: "outbox-id", Value: []byte(fmt.Sprint(msg.ID))},
		},
	})
	if err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close сбрасывает буферы и закрывает соединения.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// LogPublisher пишет события в лог; используется, когда брокеры не настроены.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher создаёт LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish логирует сообщение.
func (p *LogPublisher) Publish(_ context.Context, msg model.OutboxMessage) error {
	p.logger.Info("order event",
		zap.Int64("id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.ByteString("payload", msg.Payload),
	)
	return nil
}

// Close ничего не делает.
func (p *LogPublisher) Close() error {
	return nil
}
