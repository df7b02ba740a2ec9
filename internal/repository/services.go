package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/boostmart/internal/model"
)

// FindActiveService возвращает активную услугу каталога.
func (r *PostgresRepository) FindActiveService(ctx context.Context, serviceID int64) (*model.Service, error) {
	var s model.Service
	err := r.pool.QueryRow(ctx,
		`SELECT service_id, name, type, category, rate, min_qty, max_qty, refill, cancel, is_active, last_updated
		 FROM services
		 WHERE service_id = $1 AND is_active`,
		serviceID,
	).Scan(&s.ServiceID, &s.Name, &s.Type, &s.Category, &s.Rate, &s.Min, &s.Max,
		&s.Refill, &s.Cancel, &s.IsActive, &s.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get service: %w", err)
	}
	return &s, nil
}

// UpsertServices сохраняет пачку услуг, активируя их.
func (r *PostgresRepository) UpsertServices(ctx context.Context, services []model.Service) error {
	if len(services) == 0 {
		return nil
	}

	return r.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, s := range services {
			batch.Queue(
				`INSERT INTO services (service_id, name, type, category, rate, min_qty, max_qty, refill, cancel, is_active, last_updated)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, now())
				 ON CONFLICT (service_id) DO UPDATE SET
				   name = EXCLUDED.name,
				   type = EXCLUDED.type,
				   category = EXCLUDED.category,
				   rate = EXCLUDED.rate,
				   min_qty = EXCLUDED.min_qty,
				   max_qty = EXCLUDED.max_qty,
				   refill = EXCLUDED.refill,
				   cancel = EXCLUDED.cancel,
				   is_active = TRUE,
				   last_updated = now()`,
				s.ServiceID, s.Name, s.Type, s.Category, s.Rate, s.Min, s.Max, s.Refill, s.Cancel,
			)
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert services: %w", err)
		}
		return nil
	})
}

// DeactivateMissing выключает услуги, которых больше нет у провайдера.
func (r *PostgresRepository) DeactivateMissing(ctx context.Context, keep []int64) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE services SET is_active = FALSE, last_updated = now()
		 WHERE is_active AND NOT (service_id = ANY($1))`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate services: %w", err)
	}
	return tag.RowsAffected(), nil
}
