package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/boostmart/internal/model"
)

const intentColumns = `id, user_id, service_id, link, quantity, charge, state, external_order_id, created_at, updated_at`

func scanIntent(row pgx.Row) (model.PlacementIntent, error) {
	var (
		in    model.PlacementIntent
		state string
	)
	err := row.Scan(&in.ID, &in.UserID, &in.ServiceID, &in.Link, &in.Quantity, &in.Charge,
		&state, &in.ExternalOrderID, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return in, err
	}
	in.State = model.IntentState(state)
	return in, nil
}

// CreateIntent сохраняет намерение размещения в состоянии RESERVED.
func (r *PostgresRepository) CreateIntent(ctx context.Context, in *model.PlacementIntent) error {
	return r.withRetry(ctx, func() error {
		err := r.pool.QueryRow(ctx,
			`INSERT INTO placement_intents (id, user_id, service_id, link, quantity, charge, state)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING created_at, updated_at`,
			in.ID, in.UserID, in.ServiceID, in.Link, in.Quantity, in.Charge, string(model.IntentReserved),
		).Scan(&in.CreatedAt, &in.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert placement intent: %w", err)
		}
		in.State = model.IntentReserved
		return nil
	})
}

func (r *PostgresRepository) moveIntent(ctx context.Context, id uuid.UUID, from, to model.IntentState, externalID *int64) error {
	return r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE placement_intents
			 SET state = $3, external_order_id = COALESCE($4, external_order_id), updated_at = now()
			 WHERE id = $1 AND state = $2`,
			id, string(from), string(to), externalID,
		)
		if err != nil {
			return fmt.Errorf("update placement intent: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s %s -> %s", ErrStaleIntent, id, from, to)
		}
		return nil
	})
}

// MarkIntentPlaced фиксирует идентификатор заказа, выданный провайдером.
func (r *PostgresRepository) MarkIntentPlaced(ctx context.Context, id uuid.UUID, externalOrderID int64) error {
	return r.moveIntent(ctx, id, model.IntentReserved, model.IntentPlaced, &externalOrderID)
}

// ReleaseIntent отмечает, что резерв возвращён и заказ не создан.
func (r *PostgresRepository) ReleaseIntent(ctx context.Context, id uuid.UUID) error {
	return r.moveIntent(ctx, id, model.IntentReserved, model.IntentReleased, nil)
}

// MarkIntentStale отмечает зависшее намерение, требующее ручного разбора.
func (r *PostgresRepository) MarkIntentStale(ctx context.Context, id uuid.UUID) error {
	return r.moveIntent(ctx, id, model.IntentReserved, model.IntentStale, nil)
}

// CompletePlacement в одной транзакции создаёт заказ, закрывает намерение и пишет событие в outbox.
// Повторный вызов для того же заказа возвращает уже сохранённую запись.
func (r *PostgresRepository) CompletePlacement(
	ctx context.Context,
	intentID uuid.UUID,
	o model.Order,
	event *model.OutboxMessage,
) (*model.Order, error) {
	var saved model.Order

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		saved, err = scanOrder(tx.QueryRow(ctx,
			`INSERT INTO orders (order_id, user_id, service_id, link, quantity, charge, start_count, remains, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (order_id) DO NOTHING
			 RETURNING `+orderColumns,
			o.OrderID, o.UserID, o.ServiceID, o.Link, o.Quantity, o.Charge,
			o.StartCount, o.Remains, string(o.Status),
		))
		inserted := err == nil
		if errors.Is(err, pgx.ErrNoRows) {
			saved, err = scanOrder(tx.QueryRow(ctx,
				`SELECT `+orderColumns+` FROM orders WHERE order_id = $1`,
				o.OrderID,
			))
		}
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE placement_intents
			 SET state = $2, external_order_id = $3, updated_at = now()
			 WHERE id = $1 AND state IN ($4, $5)`,
			intentID, string(model.IntentCompleted), o.OrderID,
			string(model.IntentPlaced), string(model.IntentReserved),
		); err != nil {
			return fmt.Errorf("complete placement intent: %w", err)
		}

		if inserted && event != nil {
			return insertOutbox(ctx, tx, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &saved, nil
}

// ListIntents возвращает намерения в состоянии state, не менявшиеся с момента before.
func (r *PostgresRepository) ListIntents(ctx context.Context, state model.IntentState, before time.Time, limit int) ([]model.PlacementIntent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+intentColumns+`
		 FROM placement_intents
		 WHERE state = $1 AND updated_at < $2
		 ORDER BY updated_at
		 LIMIT $3`,
		string(state), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select placement intents: %w", err)
	}
	defer rows.Close()

	var res []model.PlacementIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan placement intent: %w", err)
		}
		res = append(res, in)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
