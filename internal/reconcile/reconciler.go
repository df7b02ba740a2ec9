// Package reconcile сверяет статусы заказов с провайдером по таймеру.
package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/boostmart/internal/events"
	"github.com/mmeshcher/boostmart/internal/lock"
	"github.com/mmeshcher/boostmart/internal/model"
	"github.com/mmeshcher/boostmart/internal/provider"
)

// BatchSize: максимум идентификаторов в одном запросе статусов.
const BatchSize = provider.MaxBulkIDs

const (
	defaultInterval    = 3 * time.Minute
	defaultTickTimeout = 2 * time.Minute
	tickLockKey        = "reconcile-tick"
)

// StatusSource запрашивает статусы пачкой.
type StatusSource interface {
	BulkStatus(ctx context.Context, orderIDs []int64) (map[int64]provider.StatusResult, error)
}

// Store читает незавершённые заказы и применяет смену статуса.
type Store interface {
	ListOpenOrders(ctx context.Context) ([]model.OpenOrder, error)
	ApplyStatus(ctx context.Context, upd model.StatusUpdate, event *model.OutboxMessage) (bool, error)
}

// Settler проводит деньги по завершённым заказам.
type Settler interface {
	RefundOrder(ctx context.Context, userID, orderID int64, charge decimal.Decimal) (*model.Account, error)
	SyncSpend(ctx context.Context, userID int64) (*model.Account, error)
}

// Config: параметры Reconciler.
type Config struct {
	Interval    time.Duration
	TickTimeout time.Duration
	Concurrency int
	Topic       string
	// Locker, если задан, не даёт двум экземплярам выполнять тик одновременно.
	Locker lock.Locker
	Meter  metric.Meter
}

// TickResult: итог одного тика.
type TickResult struct {
	Open          int
	Batches       int
	FailedBatches int
	Updated       int
	Unchanged     int
	Settled       int
	ItemErrors    int
	Ignored       int
}

type tally struct {
	batches, failedBatches, updated, unchanged, settled, itemErrors, ignored atomic.Int64
}

func (t *tally) result(open int) TickResult {
	return TickResult{
		Open:          open,
		Batches:       int(t.batches.Load()),
		FailedBatches: int(t.failedBatches.Load()),
		Updated:       int(t.updated.Load()),
		Unchanged:     int(t.unchanged.Load()),
		Settled:       int(t.settled.Load()),
		ItemErrors:    int(t.itemErrors.Load()),
		Ignored:       int(t.ignored.Load()),
	}
}

type instruments struct {
	ticks         metric.Int64Counter
	updated       metric.Int64Counter
	itemErrors    metric.Int64Counter
	failedBatches metric.Int64Counter
	duration      metric.Float64Histogram
}

func newInstruments(m metric.Meter) instruments {
	var in instruments
	// Ошибки создания инструментов не фатальны: API возвращает рабочий no-op.
	in.ticks, _ = m.Int64Counter("reconcile.ticks", metric.WithDescription("Reconciliation ticks run"))
	in.updated, _ = m.Int64Counter("reconcile.orders.updated", metric.WithDescription("Orders whose status changed"))
	in.itemErrors, _ = m.Int64Counter("reconcile.item_errors", metric.WithDescription("Per-order status read errors"))
	in.failedBatches, _ = m.Int64Counter("reconcile.batches.failed", metric.WithDescription("Bulk status calls that failed"))
	in.duration, _ = m.Float64Histogram("reconcile.tick.duration", metric.WithUnit("s"))
	return in
}

// Reconciler держит рабочее множество и приводит локальные статусы к статусам провайдера.
type Reconciler struct {
	store   Store
	source  StatusSource
	settler Settler
	set     *WorkingSet
	logger  *zap.Logger
	cfg     Config
	metrics instruments
}

// New создаёт Reconciler.
func New(store Store, source StatusSource, settler Settler, logger *zap.Logger, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = defaultTickTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Meter == nil {
		cfg.Meter = noop.NewMeterProvider().Meter("reconcile")
	}

	return &Reconciler{
		store:   store,
		source:  source,
		settler: settler,
		set:     NewWorkingSet(),
		logger:  logger,
		cfg:     cfg,
		metrics: newInstruments(cfg.Meter),
	}
}

// Register ставит новый заказ на отслеживание. Статус он получит не раньше следующего тика.
func (r *Reconciler) Register(orderID int64) {
	r.set.Add(orderID)
}

// Tracked возвращает отслеживаемые заказы.
func (r *Reconciler) Tracked() []int64 {
	return r.set.Snapshot()
}

// Run выполняет тик сразу и затем с интервалом. После отмены ctx текущий тик
// доходит до конца, следующий не планируется.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("status reconciliation started", zap.Duration("interval", r.cfg.Interval))

	r.runGuarded(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("status reconciliation stopped")
			return
		case <-ticker.C:
			r.runGuarded(ctx)
		}
	}
}

func (r *Reconciler) runGuarded(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.cfg.TickTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reconciliation tick panicked", zap.Any("panic", rec))
		}
	}()

	if r.cfg.Locker != nil {
		release, ok, err := r.cfg.Locker.TryLock(ctx, tickLockKey, r.cfg.TickTimeout)
		if err != nil {
			r.logger.Warn("reconciliation lock failed", zap.Error(err))
			return
		}
		if !ok {
			r.logger.Debug("reconciliation tick held by another instance")
			return
		}
		defer func() {
			if err := release(ctx); err != nil {
				r.logger.Warn("reconciliation unlock failed", zap.Error(err))
			}
		}()
	}

	res := r.Tick(ctx)
	r.logger.Info("reconciliation tick complete",
		zap.Int("open", res.Open),
		zap.Int("batches", res.Batches),
		zap.Int("failedBatches", res.FailedBatches),
		zap.Int("updated", res.Updated),
		zap.Int("settled", res.Settled),
		zap.Int("errors", res.ItemErrors),
		zap.Int("ignored", res.Ignored),
	)
}

// Tick выполняет один проход сверки. Ошибки логируются и не прерывают проход.
func (r *Reconciler) Tick(ctx context.Context) TickResult {
	start := time.Now()
	defer func() {
		r.metrics.ticks.Add(ctx, 1)
		r.metrics.duration.Record(ctx, time.Since(start).Seconds())
	}()

	open, err := r.store.ListOpenOrders(ctx)
	if err != nil {
		r.logger.Warn("list open orders failed", zap.Error(err))
		return TickResult{}
	}

	known := make(map[int64]model.OpenOrder, len(open))
	ids := make([]int64, 0, len(open))
	for _, o := range open {
		known[o.OrderID] = o
		ids = append(ids, o.OrderID)
	}
	r.set.Replace(ids)

	if len(ids) == 0 {
		return TickResult{}
	}

	var t tally
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for _, chunk := range Chunk(ids, BatchSize) {
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					t.failedBatches.Add(1)
					r.logger.Error("status batch panicked", zap.Int64("first", chunk[0]), zap.Any("panic", rec))
				}
			}()
			r.processChunk(gctx, chunk, known, &t)
			return nil
		})
	}
	_ = g.Wait()

	return t.result(len(ids))
}

func (r *Reconciler) processChunk(ctx context.Context, chunk []int64, known map[int64]model.OpenOrder, t *tally) {
	t.batches.Add(1)

	results, err := r.source.BulkStatus(ctx, chunk)
	if err != nil {
		t.failedBatches.Add(1)
		r.metrics.failedBatches.Add(ctx, 1)
		r.logger.Warn("bulk status failed",
			zap.Int("size", len(chunk)),
			zap.Int64("first", chunk[0]),
			zap.Error(err),
		)
		return
	}

	for _, id := range chunk {
		res, ok := results[id]
		if !ok {
			t.itemErrors.Add(1)
			r.metrics.itemErrors.Add(ctx, 1)
			r.logger.Debug("order missing from bulk status", zap.Int64("orderID", id))
			continue
		}

		st, err := res.Unwrap()
		if err != nil {
			t.itemErrors.Add(1)
			r.metrics.itemErrors.Add(ctx, 1)
			r.logger.Debug("order status error", zap.Int64("orderID", id), zap.Error(err))
			continue
		}

		r.apply(ctx, known[id], st, t)
	}
}

func (r *Reconciler) apply(ctx context.Context, o model.OpenOrder, st provider.Status, t *tally) {
	to, ok := model.ParseOrderStatus(st.Status)
	if !ok {
		t.ignored.Add(1)
		r.logger.Warn("unknown provider status", zap.Int64("orderID", o.OrderID), zap.String("status", st.Status))
		return
	}

	if to == o.Status {
		t.unchanged.Add(1)
		return
	}

	if !model.CanTransition(o.Status, to) {
		t.ignored.Add(1)
		r.logger.Warn("backward status transition ignored",
			zap.Int64("orderID", o.OrderID),
			zap.String("from", string(o.Status)),
			zap.String("to", string(to)),
		)
		return
	}

	upd := model.StatusUpdate{
		OrderID:    o.OrderID,
		From:       o.Status,
		To:         to,
		StartCount: provider.ParseCount(st.StartCount),
		Remains:    provider.ParseCount(st.Remains),
	}

	event, err := events.StatusChanged(r.cfg.Topic, o.UserID, upd)
	if err != nil {
		r.logger.Warn("build status event failed", zap.Int64("orderID", o.OrderID), zap.Error(err))
		return
	}

	// Возврат идемпотентен и проводится до записи статуса: если запись не удастся,
	// заказ останется открытым и следующий тик повторит обе операции.
	refunded := false
	if refundable(to) {
		if !r.settle(ctx, o, to) {
			t.itemErrors.Add(1)
			r.metrics.itemErrors.Add(ctx, 1)
			return
		}
		refunded = true
	}

	applied, err := r.store.ApplyStatus(ctx, upd, event)
	if err != nil {
		t.itemErrors.Add(1)
		r.metrics.itemErrors.Add(ctx, 1)
		r.logger.Warn("apply order status failed", zap.Int64("orderID", o.OrderID), zap.Error(err))
		return
	}
	if !applied {
		// Статус уже поменял параллельный тик.
		t.unchanged.Add(1)
		return
	}

	t.updated.Add(1)
	r.metrics.updated.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))

	if !to.IsTerminal() {
		return
	}
	r.set.Remove(o.OrderID)

	if refunded || r.settle(ctx, o, to) {
		t.settled.Add(1)
	}
}

func refundable(s model.OrderStatus) bool {
	return s == model.OrderStatusCancelled || s == model.OrderStatusRefunded
}

// settle возвращает деньги за отменённый заказ или пересчитывает траты за завершённый.
// Без Settler и для нулевой стоимости возврат считается выполненным.
func (r *Reconciler) settle(ctx context.Context, o model.OpenOrder, to model.OrderStatus) bool {
	if r.settler == nil {
		return refundable(to)
	}

	var err error
	switch to {
	case model.OrderStatusCancelled, model.OrderStatusRefunded:
		if !o.Charge.IsPositive() {
			return true
		}
		_, err = r.settler.RefundOrder(ctx, o.UserID, o.OrderID, o.Charge)
	case model.OrderStatusCompleted:
		_, err = r.settler.SyncSpend(ctx, o.UserID)
	default:
		return false
	}

	if err != nil {
		r.logger.Error("order settlement failed",
			zap.Int64("orderID", o.OrderID),
			zap.Int64("userID", o.UserID),
			zap.String("status", string(to)),
			zap.Error(err),
		)
		return false
	}
	return true
}
