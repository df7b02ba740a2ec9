// Package catalog отвечает за локальный каталог услуг провайдера.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/boostmart/internal/lock"
	"github.com/mmeshcher/boostmart/internal/model"
	"github.com/mmeshcher/boostmart/internal/provider"
	"github.com/mmeshcher/boostmart/internal/repository"
)

// ErrServiceNotFound возвращается, если услуги нет или она выключена.
var ErrServiceNotFound = errors.New("service not found")

// ErrEmptyCatalog возвращается, если провайдер прислал пустой каталог.
var ErrEmptyCatalog = errors.New("provider returned empty catalog")

// ErrNoValidServices возвращается, если все услуги каталога отброшены как некорректные.
var ErrNoValidServices = errors.New("provider catalog has no valid services")

const syncLockKey = "catalog-sync"

// Store описывает хранилище каталога.
type Store interface {
	FindActiveService(ctx context.Context, serviceID int64) (*model.Service, error)
	UpsertServices(ctx context.Context, services []model.Service) error
	DeactivateMissing(ctx context.Context, keep []int64) (int64, error)
}

// Source отдаёт каталог провайдера.
type Source interface {
	Services(ctx context.Context) ([]provider.Service, error)
}

// Catalog: поиск активных услуг.
type Catalog struct {
	store Store
}

// New создаёт Catalog.
func New(store Store) *Catalog {
	return &Catalog{store: store}
}

// FindActiveService возвращает активную услугу или ErrServiceNotFound.
func (c *Catalog) FindActiveService(ctx context.Context, serviceID int64) (*model.Service, error) {
	s, err := c.store.FindActiveService(ctx, serviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrServiceNotFound
		}
		return nil, fmt.Errorf("find service: %w", err)
	}
	return s, nil
}

// ApplyMarkup возвращает цену за единицу с наценкой платформы.
func ApplyMarkup(rate, markup decimal.Decimal) decimal.Decimal {
	return rate.Mul(decimal.NewFromInt(1).Add(markup)).Round(6)
}

// SyncResult: итог синхронизации.
type SyncResult struct {
	Upserted    int
	Skipped     int
	Deactivated int64
}

// Syncer периодически переносит каталог провайдера в локальное хранилище.
type Syncer struct {
	store    Store
	source   Source
	locker   lock.Locker
	logger   *zap.Logger
	markup   decimal.Decimal
	interval time.Duration
}

// NewSyncer создаёт Syncer. locker может быть nil.
func NewSyncer(store Store, source Source, locker lock.Locker, logger *zap.Logger, markup float64, interval time.Duration) *Syncer {
	return &Syncer{
		store:    store,
		source:   source,
		locker:   locker,
		logger:   logger,
		markup:   decimal.NewFromFloat(markup),
		interval: interval,
	}
}

// Sync загружает каталог, применяет наценку и выключает исчезнувшие услуги.
func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	items, err := s.source.Services(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetch services: %w", err)
	}
	if len(items) == 0 {
		return SyncResult{}, ErrEmptyCatalog
	}

	var res SyncResult
	services := make([]model.Service, 0, len(items))
	keep := make([]int64, 0, len(items))
	for _, it := range items {
		if it.Min < 0 || it.Max < it.Min || it.Rate.IsNegative() {
			res.Skipped++
			continue
		}
		services = append(services, model.Service{
			ServiceID: it.ServiceID,
			Name:      it.Name,
			Type:      it.Type,
			Category:  it.Category,
			Rate:      ApplyMarkup(it.Rate, s.markup),
			Min:       it.Min,
			Max:       it.Max,
			Refill:    it.Refill,
			Cancel:    it.Cancel,
			IsActive:  true,
		})
		keep = append(keep, it.ServiceID)
	}
	// Пустой keep выключил бы весь каталог.
	if len(services) == 0 {
		return res, ErrNoValidServices
	}

	if err := s.store.UpsertServices(ctx, services); err != nil {
		return res, err
	}
	res.Upserted = len(services)

	res.Deactivated, err = s.store.DeactivateMissing(ctx, keep)
	if err != nil {
		return res, err
	}

	return res, nil
}

// Run синхронизирует каталог сразу и затем с заданным интервалом.
func (s *Syncer) Run(ctx context.Context) {
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Syncer) runOnce(ctx context.Context) {
	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, syncLockKey, s.interval)
		if err != nil {
			s.logger.Warn("catalog sync lock failed", zap.Error(err))
			return
		}
		if !ok {
			s.logger.Debug("catalog sync held by another instance")
			return
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("catalog sync unlock failed", zap.Error(err))
			}
		}()
	}

	res, err := s.Sync(ctx)
	if err != nil {
		s.logger.Warn("catalog sync failed", zap.Error(err))
		return
	}
	s.logger.Info("catalog synced",
		zap.Int("upserted", res.Upserted),
		zap.Int("skipped", res.Skipped),
		zap.Int64("deactivated", res.Deactivated),
	)
}
