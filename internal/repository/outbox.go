package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/boostmart/internal/model"
)

func insertOutbox(ctx context.Context, tx pgx.Tx, m *model.OutboxMessage) error {
	err := tx.QueryRow(ctx,
		`INSERT INTO outbox (key, topic, payload, status) VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		m.Key, m.Topic, m.Payload, string(model.OutboxPending),
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	m.Status = model.OutboxPending
	return nil
}

// FetchPendingOutbox возвращает неотправленные сообщения в порядке записи.
func (r *PostgresRepository) FetchPendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, key, topic, payload, status, retry_count, created_at
		 FROM outbox
		 WHERE status = $1
		 ORDER BY id
		 LIMIT $2`,
		string(model.OutboxPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rows.Close()

	var res []model.OutboxMessage
	for rows.Next() {
		var (
			m      model.OutboxMessage
			status string
		)
		if err := rows.Scan(&m.ID, &m.Key, &m.Topic, &m.Payload, &status, &m.RetryCount, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		m.Status = model.OutboxStatus(status)
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkOutboxSent отмечает сообщение как отправленное.
func (r *PostgresRepository) MarkOutboxSent(ctx context.Context, id int64) error {
	return r.setOutboxStatus(ctx, id, model.OutboxSent)
}

// MarkOutboxFailed снимает сообщение с отправки после исчерпания попыток.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64) error {
	return r.setOutboxStatus(ctx, id, model.OutboxFailed)
}

func (r *PostgresRepository) setOutboxStatus(ctx context.Context, id int64, status model.OutboxStatus) error {
	if _, err := r.pool.Exec(ctx,
		`UPDATE outbox SET status = $2 WHERE id = $1`,
		id, string(status),
	); err != nil {
		return fmt.Errorf("update outbox status: %w", err)
	}
	return nil
}

// IncrementOutboxRetry увеличивает счётчик попыток и возвращает новое значение.
func (r *PostgresRepository) IncrementOutboxRetry(ctx context.Context, id int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`UPDATE outbox SET retry_count = retry_count + 1 WHERE id = $1 RETURNING retry_count`,
		id,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment outbox retry: %w", err)
	}
	return n, nil
}
