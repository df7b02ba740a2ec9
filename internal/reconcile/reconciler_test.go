package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/mmeshcher/boostmart/internal/lock"
	"github.com/mmeshcher/boostmart/internal/model"
	"github.com/mmeshcher/boostmart/internal/provider"
)

type memStore struct {
	mu      sync.Mutex
	orders  map[int64]*model.OpenOrder
	remains map[int64]int64
	events  []*model.OutboxMessage
	listErr error
}

func newMemStore(orders ...model.OpenOrder) *memStore {
	s := &memStore{orders: make(map[int64]*model.OpenOrder), remains: make(map[int64]int64)}
	for i := range orders {
		o := orders[i]
		s.orders[o.OrderID] = &o
	}
	return s
}

func (s *memStore) ListOpenOrders(context.Context) ([]model.OpenOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}

	var res []model.OpenOrder
	for _, o := range s.orders {
		if !o.Status.IsTerminal() {
			res = append(res, *o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].OrderID < res[j].OrderID })
	return res, nil
}

func (s *memStore) ApplyStatus(_ context.Context, upd model.StatusUpdate, event *model.OutboxMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[upd.OrderID]
	if !ok || o.Status != upd.From {
		return false, nil
	}
	o.Status = upd.To
	s.remains[upd.OrderID] = upd.Remains
	s.events = append(s.events, event)
	return true, nil
}

func (s *memStore) status(id int64) model.OrderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id].Status
}

type stubSource struct {
	mu       sync.Mutex
	calls    [][]int64
	statuses map[int64]provider.StatusResult
	failWith func(ids []int64) error
}

func (s *stubSource) BulkStatus(_ context.Context, ids []int64) (map[int64]provider.StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]int64(nil), ids...))

	if s.failWith != nil {
		if err := s.failWith(ids); err != nil {
			return nil, err
		}
	}

	res := make(map[int64]provider.StatusResult, len(ids))
	for _, id := range ids {
		if r, ok := s.statuses[id]; ok {
			res[id] = r
		}
	}
	return res, nil
}

type stubSettler struct {
	mu      sync.Mutex
	refunds map[int64]decimal.Decimal
	synced  []int64
	err     error
}

func (s *stubSettler) RefundOrder(_ context.Context, userID, orderID int64, charge decimal.Decimal) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.refunds == nil {
		s.refunds = make(map[int64]decimal.Decimal)
	}
	s.refunds[orderID] = charge
	return &model.Account{UserID: userID}, nil
}

func (s *stubSettler) SyncSpend(_ context.Context, userID int64) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = append(s.synced, userID)
	return &model.Account{UserID: userID}, nil
}

func pending(id int64) model.OpenOrder {
	return model.OpenOrder{OrderID: id, UserID: 1, Charge: decimal.NewFromInt(10), Status: model.OrderStatusPending}
}

func statusOf(status, remains string) provider.StatusResult {
	return provider.StatusOK(provider.Status{Status: status, Remains: remains, StartCount: "0"})
}

func newReconciler(store Store, source StatusSource, settler Settler, cfg Config) *Reconciler {
	cfg.Topic = "orders"
	return New(store, source, settler, zap.NewNop(), cfg)
}

func TestTick_BatchesBy100(t *testing.T) {
	var orders []model.OpenOrder
	for i := int64(1); i <= 250; i++ {
		orders = append(orders, pending(i))
	}
	store := newMemStore(orders...)
	source := &stubSource{}

	r := newReconciler(store, source, nil, Config{Concurrency: 3})
	res := r.Tick(context.Background())

	require.Len(t, source.calls, 3)
	sizes := make([]int, 0, 3)
	seen := make(map[int64]int)
	for _, call := range source.calls {
		sizes = append(sizes, len(call))
		for _, id := range call {
			seen[id]++
		}
	}
	sort.Ints(sizes)
	assert.Equal(t, []int{50, 100, 100}, sizes)
	assert.Len(t, seen, 250)
	for id, n := range seen {
		assert.Equal(t, 1, n, "order %d requested %d times", id, n)
	}

	assert.Equal(t, 250, res.Open)
	assert.Equal(t, 3, res.Batches)
	// Провайдер ничего не вернул: каждая позиция считается ошибкой.
	assert.Equal(t, 250, res.ItemErrors)
	assert.Equal(t, 250, r.set.Len())
}

func TestTick_AppliesIntermediateStatus(t *testing.T) {
	store := newMemStore(pending(7))
	source := &stubSource{statuses: map[int64]provider.StatusResult{7: statusOf("Partial", "10")}}

	r := newReconciler(store, source, nil, Config{})
	res := r.Tick(context.Background())

	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, model.OrderStatusPartial, store.status(7))
	assert.Equal(t, int64(10), store.remains[7])
	assert.True(t, r.set.Contains(7))
	require.Len(t, store.events, 1)
	assert.Equal(t, "orders", store.events[0].Topic)
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestTick_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	store := newMemStore(pending(1), pending(2))
	source := &stubSource{statuses: map[int64]provider.StatusResult{1: statusOf("In progress", "5")}}

	r := newReconciler(store, source, nil, Config{Meter: mp.Meter("reconcile")})
	r.Tick(context.Background())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(1), counterValue(t, rm, "reconcile.ticks"))
	assert.Equal(t, int64(1), counterValue(t, rm, "reconcile.orders.updated"))
	assert.Equal(t, int64(1), counterValue(t, rm, "reconcile.item_errors"))
}

func TestTick_TerminalStatusesLeaveWorkingSet(t *testing.T) {
	store := newMemStore(pending(1), pending(2), pending(3), pending(4))
	source := &stubSource{statuses: map[int64]provider.StatusResult{
		1: statusOf("Completed", "0"),
		2: statusOf("Canceled", "100"),
		3: statusOf("Refunded", "100"),
		4: statusOf("In progress", "40"),
	}}
	settler := &stubSettler{}

	r := newReconciler(store, source, settler, Config{})
	res := r.Tick(context.Background())

	assert.Equal(t, 4, res.Updated)
	assert.Equal(t, 3, res.Settled)
	assert.Equal(t, []int64{4}, r.Tracked())

	assert.Equal(t, model.OrderStatusCompleted, store.status(1))
	assert.Equal(t, model.OrderStatusCancelled, store.status(2))
	assert.Equal(t, model.OrderStatusRefunded, store.status(3))
	assert.Equal(t, model.OrderStatusInProgress, store.status(4))

	assert.Len(t, settler.refunds, 2)
	assert.True(t, settler.refunds[2].Equal(decimal.NewFromInt(10)))
	assert.Equal(t, []int64{1}, settler.synced)
}

func TestTick_RefundFailureKeepsOrderOpen(t *testing.T) {
	store := newMemStore(pending(5))
	source := &stubSource{statuses: map[int64]provider.StatusResult{5: statusOf("Canceled", "100")}}
	settler := &stubSettler{err: errors.New("db down")}

	r := newReconciler(store, source, settler, Config{})
	res := r.Tick(context.Background())

	assert.Equal(t, 1, res.ItemErrors)
	assert.Equal(t, model.OrderStatusPending, store.status(5))
	assert.True(t, r.set.Contains(5))

	settler.err = nil
	res = r.Tick(context.Background())
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, model.OrderStatusCancelled, store.status(5))
	assert.False(t, r.set.Contains(5))
}

func TestTick_Idempotent(t *testing.T) {
	store := newMemStore(pending(1), pending(2))
	source := &stubSource{statuses: map[int64]provider.StatusResult{
		1: statusOf("Processing", "80"),
		2: statusOf("Partial", "5"),
	}}

	r := newReconciler(store, source, nil, Config{})
	first := r.Tick(context.Background())
	second := r.Tick(context.Background())

	assert.Equal(t, 2, first.Updated)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, 2, second.Unchanged)
	assert.Equal(t, model.OrderStatusProcessing, store.status(1))
	assert.Equal(t, model.OrderStatusPartial, store.status(2))
	assert.Len(t, store.events, 2)
}

func TestTick_IgnoresBackwardTransitions(t *testing.T) {
	o := pending(9)
	o.Status = model.OrderStatusInProgress
	store := newMemStore(o)
	source := &stubSource{statuses: map[int64]provider.StatusResult{9: statusOf("Pending", "100")}}

	r := newReconciler(store, source, nil, Config{})
	res := r.Tick(context.Background())

	assert.Equal(t, 1, res.Ignored)
	assert.Equal(t, model.OrderStatusInProgress, store.status(9))
}

func TestTick_CompletedStaysCompleted(t *testing.T) {
	store := newMemStore(pending(1))
	source := &stubSource{statuses: map[int64]provider.StatusResult{1: statusOf("Completed", "0")}}

	r := newReconciler(store, source, nil, Config{})
	r.Tick(context.Background())
	require.Equal(t, model.OrderStatusCompleted, store.status(1))

	source.statuses[1] = statusOf("In progress", "10")
	r.Register(1)
	res := r.Tick(context.Background())

	assert.Equal(t, 0, res.Open)
	assert.Equal(t, model.OrderStatusCompleted, store.status(1))
	assert.False(t, r.set.Contains(1))
}

func TestTick_SkipsPerOrderErrors(t *testing.T) {
	store := newMemStore(pending(1), pending(2), pending(3))
	source := &stubSource{statuses: map[int64]provider.StatusResult{
		1: provider.StatusError("Incorrect order ID"),
		2: statusOf("Processing", "100"),
		3: statusOf("Bogus", "100"),
	}}

	r := newReconciler(store, source, nil, Config{})
	res := r.Tick(context.Background())

	assert.Equal(t, 1, res.ItemErrors)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Ignored)
	assert.Equal(t, model.OrderStatusPending, store.status(1))
	assert.Equal(t, model.OrderStatusProcessing, store.status(2))
	assert.Equal(t, model.OrderStatusPending, store.status(3))
}

func TestTick_FailedBatchDoesNotStopOthers(t *testing.T) {
	var orders []model.OpenOrder
	statuses := make(map[int64]provider.StatusResult)
	for i := int64(1); i <= 150; i++ {
		orders = append(orders, pending(i))
		statuses[i] = statusOf("Processing", "1")
	}
	store := newMemStore(orders...)
	source := &stubSource{
		statuses: statuses,
		failWith: func(ids []int64) error {
			if ids[0] == 1 {
				return errors.New("502 bad gateway")
			}
			return nil
		},
	}

	r := newReconciler(store, source, nil, Config{Concurrency: 2})
	res := r.Tick(context.Background())

	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 1, res.FailedBatches)
	assert.Equal(t, 50, res.Updated)
	assert.Equal(t, model.OrderStatusPending, store.status(1))
	assert.Equal(t, model.OrderStatusProcessing, store.status(150))
}

func TestTick_EmptyOpenSet(t *testing.T) {
	source := &stubSource{}
	r := newReconciler(newMemStore(), source, nil, Config{})
	r.Register(42)

	res := r.Tick(context.Background())

	assert.Equal(t, TickResult{}, res)
	assert.Empty(t, source.calls)
	// Множество пересобрано из хранилища.
	assert.Empty(t, r.Tracked())
}

func TestTick_ListFailure(t *testing.T) {
	store := newMemStore(pending(1))
	store.listErr = errors.New("connection refused")
	source := &stubSource{}

	r := newReconciler(store, source, nil, Config{})
	res := r.Tick(context.Background())

	assert.Equal(t, TickResult{}, res)
	assert.Empty(t, source.calls)
}

func TestRegister(t *testing.T) {
	r := newReconciler(newMemStore(), &stubSource{}, nil, Config{})
	r.Register(5)
	r.Register(3)
	r.Register(5)

	assert.Equal(t, []int64{3, 5}, r.Tracked())
}

func TestRunGuarded_SkipsWhenLockHeld(t *testing.T) {
	locker := lock.NewLocalLocker()
	release, acquired, err := locker.TryLock(context.Background(), tickLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	source := &stubSource{}
	r := newReconciler(newMemStore(pending(1)), source, nil, Config{Locker: locker})

	r.runGuarded(context.Background())
	assert.Empty(t, source.calls)

	require.NoError(t, release(context.Background()))
	r.runGuarded(context.Background())
	assert.Len(t, source.calls, 1)
}

type panicSource struct{}

func (panicSource) BulkStatus(context.Context, []int64) (map[int64]provider.StatusResult, error) {
	panic("boom")
}

func TestRunGuarded_RecoversPanic(t *testing.T) {
	r := newReconciler(newMemStore(pending(1)), panicSource{}, nil, Config{})

	assert.NotPanics(t, func() { r.runGuarded(context.Background()) })
}

func TestRun_StopsOnCancel(t *testing.T) {
	source := &stubSource{}
	r := newReconciler(newMemStore(pending(1)), source, nil, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return len(source.calls) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
