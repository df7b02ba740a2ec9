package repository

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/boostmart/internal/model"
)

var errNoFunds = errors.New("insufficient funds")

// Тест требует живой PostgreSQL: TEST_DATABASE_URI=postgres://... go test ./internal/repository/
func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	r, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestMutateAccount_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	var userID int64
	require.NoError(t, r.pool.QueryRow(ctx, `INSERT INTO users DEFAULT VALUES RETURNING id`).Scan(&userID))

	_, _, err := r.MutateAccount(ctx, userID, func(acc *model.Account) (*model.FundsTransaction, error) {
		acc.Balance = acc.Balance.Add(decimal.NewFromInt(100))
		return nil, nil
	})
	require.NoError(t, err)

	price := decimal.NewFromInt(10)
	var debited atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for range 25 {
		g.Go(func() error {
			_, _, err := r.MutateAccount(gctx, userID, func(acc *model.Account) (*model.FundsTransaction, error) {
				if acc.Balance.LessThan(price) {
					return nil, errNoFunds
				}
				acc.Balance = acc.Balance.Sub(price)
				return nil, nil
			})
			if errors.Is(err, errNoFunds) {
				return nil
			}
			if err == nil {
				debited.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	acc, err := r.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), debited.Load())
	assert.True(t, acc.Balance.IsZero(), "balance = %s", acc.Balance)
}
