// Package monitor следит за балансом аккаунта у провайдера.
package monitor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/boostmart/internal/provider"
)

// BalanceSource возвращает баланс у провайдера.
type BalanceSource interface {
	Balance(ctx context.Context) (provider.Balance, error)
}

// BalanceMonitor периодически проверяет баланс и предупреждает, когда он ниже порога.
type BalanceMonitor struct {
	source    BalanceSource
	logger    *zap.Logger
	threshold decimal.Decimal
	interval  time.Duration
}

// NewBalanceMonitor создаёт BalanceMonitor.
func NewBalanceMonitor(source BalanceSource, logger *zap.Logger, threshold float64, interval time.Duration) *BalanceMonitor {
	return &BalanceMonitor{
		source:    source,
		logger:    logger,
		threshold: decimal.NewFromFloat(threshold),
		interval:  interval,
	}
}

// Check запрашивает баланс один раз. low == true, если баланс ниже порога.
func (m *BalanceMonitor) Check(ctx context.Context) (bal provider.Balance, low bool, err error) {
	bal, err = m.source.Balance(ctx)
	if err != nil {
		m.logger.Warn("provider balance check failed", zap.Error(err))
		return provider.Balance{}, false, err
	}

	if bal.Balance.LessThan(m.threshold) {
		m.logger.Warn("provider balance is low",
			zap.String("balance", bal.Balance.String()),
			zap.String("currency", bal.Currency),
			zap.String("threshold", m.threshold.String()),
		)
		return bal, true, nil
	}

	m.logger.Debug("provider balance", zap.String("balance", bal.Balance.String()), zap.String("currency", bal.Currency))
	return bal, false, nil
}

// Run проверяет баланс сразу и затем с интервалом до отмены ctx.
func (m *BalanceMonitor) Run(ctx context.Context) {
	_, _, _ = m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, _ = m.Check(ctx)
		}
	}
}
