package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/boostmart/internal/model"
)

const orderColumns = `id, order_id, user_id, service_id, link, quantity, charge,
	start_count, remains, status, created_at, updated_at`

func scanOrder(row pgx.Row) (model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(&o.ID, &o.OrderID, &o.UserID, &o.ServiceID, &o.Link, &o.Quantity, &o.Charge,
		&o.StartCount, &o.Remains, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	o.Status = model.OrderStatus(status)
	return o, nil
}

// GetOrder возвращает заказ по идентификатору провайдера.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1`,
		orderID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// ListOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) ListOrdersByUser(ctx context.Context, userID int64, limit, offset int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// ListOpenOrders возвращает все заказы в незавершённых статусах.
func (r *PostgresRepository) ListOpenOrders(ctx context.Context) ([]model.OpenOrder, error) {
	statuses := make([]string, len(model.OpenStatuses))
	for i, s := range model.OpenStatuses {
		statuses[i] = string(s)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT order_id, user_id, charge, status
		 FROM orders
		 WHERE status = ANY($1)
		 ORDER BY order_id`,
		statuses,
	)
	if err != nil {
		return nil, fmt.Errorf("select open orders: %w", err)
	}
	defer rows.Close()

	var res []model.OpenOrder
	for rows.Next() {
		var (
			o      model.OpenOrder
			status string
		)
		if err := rows.Scan(&o.OrderID, &o.UserID, &o.Charge, &status); err != nil {
			return nil, fmt.Errorf("scan open order: %w", err)
		}
		o.Status = model.OrderStatus(status)
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ApplyStatus переводит заказ из статуса upd.From в upd.To, если он всё ещё в upd.From,
// и в той же транзакции записывает событие в outbox. Возвращает false, если статус
// уже изменил кто-то другой.
func (r *PostgresRepository) ApplyStatus(ctx context.Context, upd model.StatusUpdate, event *model.OutboxMessage) (bool, error) {
	var applied bool

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE orders
			 SET status = $3, start_count = $4, remains = $5, updated_at = now()
			 WHERE order_id = $1 AND status = $2`,
			upd.OrderID, string(upd.From), string(upd.To), upd.StartCount, upd.Remains,
		)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		applied = tag.RowsAffected() == 1
		if !applied || event == nil {
			return nil
		}

		return insertOutbox(ctx, tx, event)
	})
	if err != nil {
		return false, err
	}

	return applied, nil
}
