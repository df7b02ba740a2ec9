package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/boostmart/internal/model"
	"github.com/shopspring/decimal"
)

const accountColumns = `user_id, balance, total_spent, tier, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var (
		a    model.Account
		tier int16
	)
	if err := row.Scan(&a.UserID, &a.Balance, &a.TotalSpent, &tier, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Tier = model.Tier(tier)
	return &a, nil
}

// GetAccount возвращает кошелёк пользователя, создавая его с нулевым балансом при первом обращении.
func (r *PostgresRepository) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	acc, err := scanAccount(r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`,
		userID,
	))
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

// MutateAccount изменяет кошелёк под блокировкой строки. fn получает текущее состояние,
// меняет его на месте и возвращает запись журнала, которая сохраняется в той же транзакции.
// Ошибка fn откатывает транзакцию и возвращается как есть.
func (r *PostgresRepository) MutateAccount(
	ctx context.Context,
	userID int64,
	fn func(acc *model.Account) (*model.FundsTransaction, error),
) (*model.Account, *model.FundsTransaction, error) {
	var (
		acc *model.Account
		rec *model.FundsTransaction
	)

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
			userID,
		); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		// Блокируем строку кошелька, чтобы параллельные списания шли строго по очереди.
		a, err := scanAccount(tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 FOR UPDATE`,
			userID,
		))
		if err != nil {
			return fmt.Errorf("lock account for update: %w", err)
		}

		t, err := fn(a)
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx,
			`UPDATE accounts
			 SET balance = $2, total_spent = $3, tier = $4, updated_at = now()
			 WHERE user_id = $1
			 RETURNING updated_at`,
			userID, a.Balance, a.TotalSpent, int16(a.Tier),
		).Scan(&a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}

		if t != nil {
			t.UserID = userID
			if err := insertTransaction(ctx, tx, t); err != nil {
				return err
			}
		}

		acc, rec = a, t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return acc, rec, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *model.FundsTransaction) error {
	var ref *string
	if t.ExternalReference != "" {
		ref = &t.ExternalReference
	}

	err := tx.QueryRow(ctx,
		`INSERT INTO funds_transactions
		   (user_id, type, amount, status, balance_before, balance_after, payment_method, external_reference)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING transaction_id, created_at`,
		t.UserID, string(t.Type), t.Amount, string(t.Status),
		t.BalanceBefore, t.BalanceAfter, string(t.PaymentMethod), ref,
	).Scan(&t.TransactionID, &t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, t.ExternalReference)
		}
		return fmt.Errorf("insert funds transaction: %w", err)
	}
	return nil
}

const transactionColumns = `transaction_id, user_id, type, amount, status, balance_before, balance_after,
	payment_method, COALESCE(external_reference, ''), created_at`

func scanTransaction(row pgx.Row) (model.FundsTransaction, error) {
	var (
		t                   model.FundsTransaction
		typ, status, method string
	)
	err := row.Scan(&t.TransactionID, &t.UserID, &typ, &t.Amount, &status,
		&t.BalanceBefore, &t.BalanceAfter, &method, &t.ExternalReference, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	t.Type = model.TransactionType(typ)
	t.Status = model.TransactionStatus(status)
	t.PaymentMethod = model.PaymentMethod(method)
	return t, nil
}

// FindSuccessfulTransaction возвращает успешную операцию с указанной внешней ссылкой.
func (r *PostgresRepository) FindSuccessfulTransaction(ctx context.Context, reference string) (*model.FundsTransaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+`
		 FROM funds_transactions
		 WHERE external_reference = $1 AND status = $2`,
		reference, string(model.TransactionSuccessful),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return &t, nil
}

// ListTransactions возвращает журнал операций пользователя, новые первыми.
func (r *PostgresRepository) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]model.FundsTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM funds_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, transaction_id DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.FundsTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CompletedSpend возвращает сумму списаний по завершённым заказам пользователя.
func (r *PostgresRepository) CompletedSpend(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(charge), 0) FROM orders WHERE user_id = $1 AND status = $2`,
		userID, string(model.OrderStatusCompleted),
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum completed orders: %w", err)
	}
	return total, nil
}

// OrderStats возвращает агрегаты по заказам пользователя.
func (r *PostgresRepository) OrderStats(ctx context.Context, userID int64) (model.OrderStats, error) {
	var s model.OrderStats
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = $2),
		        COALESCE(SUM(charge) FILTER (WHERE status = $2), 0)
		 FROM orders
		 WHERE user_id = $1`,
		userID, string(model.OrderStatusCompleted),
	).Scan(&s.Total, &s.Completed, &s.CompletedAmount)
	if err != nil {
		return model.OrderStats{}, fmt.Errorf("order stats: %w", err)
	}
	return s, nil
}
