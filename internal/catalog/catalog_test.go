package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/boostmart/internal/lock"
	"github.com/mmeshcher/boostmart/internal/model"
	"github.com/mmeshcher/boostmart/internal/provider"
	"github.com/mmeshcher/boostmart/internal/repository"
)

type stubStore struct {
	service    *model.Service
	serviceErr error

	upserted []model.Service
	keep     []int64
}

func (s *stubStore) FindActiveService(context.Context, int64) (*model.Service, error) {
	return s.service, s.serviceErr
}

func (s *stubStore) UpsertServices(_ context.Context, services []model.Service) error {
	s.upserted = append(s.upserted, services...)
	return nil
}

func (s *stubStore) DeactivateMissing(_ context.Context, keep []int64) (int64, error) {
	s.keep = keep
	return 2, nil
}

type stubSource struct {
	items []provider.Service
	err   error
	calls int
}

func (s *stubSource) Services(context.Context) ([]provider.Service, error) {
	s.calls++
	return s.items, s.err
}

func TestFindActiveService_NotFound(t *testing.T) {
	c := New(&stubStore{serviceErr: repository.ErrNotFound})

	_, err := c.FindActiveService(context.Background(), 1)
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestApplyMarkup(t *testing.T) {
	got := ApplyMarkup(decimal.RequireFromString("0.90"), decimal.NewFromFloat(0.1))
	assert.True(t, got.Equal(decimal.RequireFromString("0.99")), "got %s", got)
}

func TestSync(t *testing.T) {
	store := &stubStore{}
	source := &stubSource{items: []provider.Service{
		{ServiceID: 1, Name: "Followers", Rate: decimal.RequireFromString("2"), Min: 10, Max: 1000},
		{ServiceID: 2, Name: "Broken", Rate: decimal.RequireFromString("1"), Min: 100, Max: 10},
		{ServiceID: 3, Name: "Likes", Rate: decimal.RequireFromString("0.5"), Min: 50, Max: 5000, Refill: true},
	}}
	s := NewSyncer(store, source, nil, zap.NewNop(), 0.1, time.Hour)

	res, err := s.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Upserted)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, int64(2), res.Deactivated)
	assert.Equal(t, []int64{1, 3}, store.keep)
	require.Len(t, store.upserted, 2)
	assert.True(t, store.upserted[0].Rate.Equal(decimal.RequireFromString("2.2")))
	assert.True(t, store.upserted[1].IsActive)
}

func TestSync_EmptyCatalogKeepsServices(t *testing.T) {
	store := &stubStore{}
	s := NewSyncer(store, &stubSource{}, nil, zap.NewNop(), 0.1, time.Hour)

	_, err := s.Sync(context.Background())
	assert.ErrorIs(t, err, ErrEmptyCatalog)
	assert.Nil(t, store.keep, "nothing must be deactivated")
}

func TestSync_AllInvalidKeepsServices(t *testing.T) {
	store := &stubStore{}
	source := &stubSource{items: []provider.Service{
		{ServiceID: 1, Min: 100, Max: 10, Rate: decimal.NewFromInt(1)},
		{ServiceID: 2, Min: 1, Max: 10, Rate: decimal.NewFromInt(-1)},
	}}
	s := NewSyncer(store, source, nil, zap.NewNop(), 0.1, time.Hour)

	res, err := s.Sync(context.Background())
	assert.ErrorIs(t, err, ErrNoValidServices)
	assert.Equal(t, 2, res.Skipped)
	assert.Empty(t, store.upserted)
	assert.Nil(t, store.keep, "nothing must be deactivated")
}

func TestSync_SourceError(t *testing.T) {
	s := NewSyncer(&stubStore{}, &stubSource{err: errors.New("down")}, nil, zap.NewNop(), 0.1, time.Hour)

	_, err := s.Sync(context.Background())
	assert.Error(t, err)
}

func TestRunOnce_SkipsWhenLockHeld(t *testing.T) {
	locker := lock.NewLocalLocker()
	_, ok, err := locker.TryLock(context.Background(), syncLockKey, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	source := &stubSource{items: []provider.Service{{ServiceID: 1, Min: 1, Max: 2}}}
	s := NewSyncer(&stubStore{}, source, locker, zap.NewNop(), 0.1, time.Hour)

	s.runOnce(context.Background())
	assert.Zero(t, source.calls)
}
