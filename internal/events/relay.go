package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/boostmart/internal/model"
)

const (
	defaultRelayInterval = time.Second
	defaultBatchSize     = 100
	defaultMaxRetries    = 5
)

// Store описывает хранилище исходящих сообщений.
type Store interface {
	FetchPendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64) error
	IncrementOutboxRetry(ctx context.Context, id int64) (int, error)
}

// Publisher доставляет сообщение получателю.
type Publisher interface {
	Publish(ctx context.Context, msg model.OutboxMessage) error
	Close() error
}

// Relay периодически переносит сообщения из outbox в Publisher.
type Relay struct {
	store      Store
	publisher  Publisher
	logger     *zap.Logger
	interval   time.Duration
	batchSize  int
	maxRetries int
}

// NewRelay создаёт Relay с интервалом опроса interval.
func NewRelay(store Store, publisher Publisher, logger *zap.Logger, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	return &Relay{
		store:      store,
		publisher:  publisher,
		logger:     logger,
		interval:   interval,
		batchSize:  defaultBatchSize,
		maxRetries: defaultMaxRetries,
	}
}

// Run опрашивает outbox до отмены ctx.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("outbox relay started", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush отправляет одну пачку сообщений и возвращает число доставленных.
func (r *Relay) Flush(ctx context.Context) int {
	messages, err := r.store.FetchPendingOutbox(ctx, r.batchSize)
	if err != nil {
		r.logger.Warn("fetch outbox failed", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if r.send(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (r *Relay) send(ctx context.Context, msg model.OutboxMessage) bool {
	err := r.publisher.Publish(ctx, msg)
	if err == nil {
		if err := r.store.MarkOutboxSent(ctx, msg.ID); err != nil {
			r.logger.Warn("mark outbox sent failed", zap.Int64("id", msg.ID), zap.Error(err))
		}
		return true
	}

	r.logger.Warn("publish outbox message failed",
		zap.Int64("id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.Error(err),
	)

	retries, err := r.store.IncrementOutboxRetry(ctx, msg.ID)
	if err != nil {
		r.logger.Warn("increment outbox retry failed", zap.Int64("id", msg.ID), zap.Error(err))
		return false
	}

	if retries >= r.maxRetries {
		if err := r.store.MarkOutboxFailed(ctx, msg.ID); err != nil {
			r.logger.Warn("mark outbox failed failed", zap.Int64("id", msg.ID), zap.Error(err))
			return false
		}
		r.logger.Error("outbox message exceeded retries", zap.Int64("id", msg.ID), zap.Int("retries", retries))
	}
	return false
}
