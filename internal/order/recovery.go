package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/boostmart/internal/events"
	"github.com/mmeshcher/boostmart/internal/model"
)

const recoveryBatch = 100

// RecoveryStore: методы хранилища для восстановления незавершённых размещений.
type RecoveryStore interface {
	ListIntents(ctx context.Context, state model.IntentState, before time.Time, limit int) ([]model.PlacementIntent, error)
	CompletePlacement(ctx context.Context, intentID uuid.UUID, o model.Order, event *model.OutboxMessage) (*model.Order, error)
	MarkIntentStale(ctx context.Context, id uuid.UUID) error
}

// RecoveryResult: итог одного прохода.
type RecoveryResult struct {
	Completed int
	Stale     int
}

// Recovery дозаписывает заказы, принятые провайдером, но не сохранённые локально,
// и помечает зависшие резервы для ручного разбора.
type Recovery struct {
	store      RecoveryStore
	tracker    Tracker
	logger     *zap.Logger
	topic      string
	interval   time.Duration
	grace      time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// NewRecovery создаёт Recovery. grace: сколько ждать, прежде чем считать PLACED зависшим;
// staleAfter: то же для RESERVED.
func NewRecovery(store RecoveryStore, tracker Tracker, logger *zap.Logger, topic string, interval, grace, staleAfter time.Duration) *Recovery {
	return &Recovery{
		store:      store,
		tracker:    tracker,
		logger:     logger,
		topic:      topic,
		interval:   interval,
		grace:      grace,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Run выполняет проход сразу и затем с интервалом до отмены ctx.
func (r *Recovery) Run(ctx context.Context) {
	r.logPass(r.RunOnce(ctx))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logPass(r.RunOnce(ctx))
		}
	}
}

func (r *Recovery) logPass(res RecoveryResult) {
	if res.Completed > 0 || res.Stale > 0 {
		r.logger.Info("placement recovery pass",
			zap.Int("completed", res.Completed),
			zap.Int("stale", res.Stale),
		)
	}
}

// RunOnce обрабатывает одну пачку зависших намерений.
func (r *Recovery) RunOnce(ctx context.Context) RecoveryResult {
	var res RecoveryResult
	now := r.now()

	placed, err := r.store.ListIntents(ctx, model.IntentPlaced, now.Add(-r.grace), recoveryBatch)
	if err != nil {
		r.logger.Warn("list placed intents failed", zap.Error(err))
	}
	for _, in := range placed {
		if r.completeIntent(ctx, in) {
			res.Completed++
		}
	}

	reserved, err := r.store.ListIntents(ctx, model.IntentReserved, now.Add(-r.staleAfter), recoveryBatch)
	if err != nil {
		r.logger.Warn("list reserved intents failed", zap.Error(err))
	}
	for _, in := range reserved {
		if err := r.store.MarkIntentStale(ctx, in.ID); err != nil {
			r.logger.Warn("mark intent stale failed", zap.String("intentID", in.ID.String()), zap.Error(err))
			continue
		}
		r.logger.Error("placement intent stuck with reserved funds",
			zap.String("intentID", in.ID.String()),
			zap.Int64("userID", in.UserID),
			zap.String("charge", in.Charge.String()),
		)
		res.Stale++
	}

	return res
}

func (r *Recovery) completeIntent(ctx context.Context, in model.PlacementIntent) bool {
	if in.ExternalOrderID == nil {
		r.logger.Warn("placed intent without order id", zap.String("intentID", in.ID.String()))
		return false
	}

	o := model.Order{
		OrderID:   *in.ExternalOrderID,
		UserID:    in.UserID,
		ServiceID: in.ServiceID,
		Link:      in.Link,
		Quantity:  in.Quantity,
		Charge:    in.Charge,
		Remains:   in.Quantity,
		Status:    model.OrderStatusPending,
	}

	event, err := events.OrderPlaced(r.topic, o)
	if err != nil {
		r.logger.Warn("build order event failed", zap.Error(err))
		return false
	}

	saved, err := r.store.CompletePlacement(ctx, in.ID, o, event)
	if err != nil {
		r.logger.Warn("complete placement failed",
			zap.String("intentID", in.ID.String()),
			zap.Int64("orderID", o.OrderID),
			zap.Error(err),
		)
		return false
	}

	if r.tracker != nil {
		r.tracker.Register(saved.OrderID)
	}
	return true
}
