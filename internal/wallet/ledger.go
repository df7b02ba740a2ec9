// Package wallet содержит журнал кошелька: резервирование, возвраты и пополнения.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/boostmart/internal/model"
	"github.com/mmeshcher/boostmart/internal/repository"
)

var (
	// ErrInsufficientFunds возвращается, если сумма списания больше баланса.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount возвращается для нулевых и отрицательных сумм.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrCreditNotSuccessful возвращается при попытке зачислить неподтверждённый платёж.
	ErrCreditNotSuccessful = errors.New("credit status is not successful")
	// ErrMissingReference возвращается при пополнении без внешней ссылки.
	ErrMissingReference = errors.New("external reference is required")
	// ErrReferenceOwnedByAnother возвращается, если ссылка уже зачислена другому пользователю.
	ErrReferenceOwnedByAnother = errors.New("external reference belongs to another user")
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Store описывает хранилище кошельков.
type Store interface {
	GetAccount(ctx context.Context, userID int64) (*model.Account, error)
	MutateAccount(ctx context.Context, userID int64, fn func(acc *model.Account) (*model.FundsTransaction, error)) (*model.Account, *model.FundsTransaction, error)
	FindSuccessfulTransaction(ctx context.Context, reference string) (*model.FundsTransaction, error)
	ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]model.FundsTransaction, error)
	CompletedSpend(ctx context.Context, userID int64) (decimal.Decimal, error)
	OrderStats(ctx context.Context, userID int64) (model.OrderStats, error)
}

// Ledger: единственная точка изменения баланса и суммы трат.
type Ledger struct {
	store  Store
	logger *zap.Logger
}

// NewLedger создаёт журнал кошелька.
func NewLedger(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// CreditRequest описывает пополнение баланса.
type CreditRequest struct {
	UserID    int64
	Amount    decimal.Decimal
	Method    model.PaymentMethod
	Reference string
	Status    model.TransactionStatus
}

// CreditResult: итог пополнения. Duplicate означает, что ссылка уже была зачислена ранее.
type CreditResult struct {
	Account     *model.Account
	Transaction *model.FundsTransaction
	Duplicate   bool
}

// apply меняет баланс и пересчитывает уровень, возвращая парную запись журнала.
func apply(a *model.Account, typ model.TransactionType, amount decimal.Decimal, method model.PaymentMethod, ref string) *model.FundsTransaction {
	before := a.Balance
	if typ == model.TransactionDebit {
		a.Balance = before.Sub(amount)
	} else {
		a.Balance = before.Add(amount)
	}
	a.Tier = model.TierFor(a.TotalSpent)

	return &model.FundsTransaction{
		UserID:            a.UserID,
		Type:              typ,
		Amount:            amount,
		Status:            model.TransactionSuccessful,
		BalanceBefore:     before,
		BalanceAfter:      a.Balance,
		PaymentMethod:     method,
		ExternalReference: ref,
	}
}

// Account возвращает кошелёк пользователя, создавая его при первом обращении.
func (l *Ledger) Account(ctx context.Context, userID int64) (*model.Account, error) {
	acc, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

// Reserve списывает amount с баланса. Параллельные списания одного пользователя
// сериализуются хранилищем, поэтому баланс не уходит в минус.
func (l *Ledger) Reserve(ctx context.Context, userID int64, amount decimal.Decimal) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	acc, _, err := l.store.MutateAccount(ctx, userID, func(a *model.Account) (*model.FundsTransaction, error) {
		if amount.GreaterThan(a.Balance) {
			return nil, ErrInsufficientFunds
		}
		return apply(a, model.TransactionDebit, amount, model.PaymentSystem, ""), nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve funds: %w", err)
	}

	return acc, nil
}

// Refund безусловно возвращает amount на баланс.
func (l *Ledger) Refund(ctx context.Context, userID int64, amount decimal.Decimal) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	acc, _, err := l.store.MutateAccount(ctx, userID, func(a *model.Account) (*model.FundsTransaction, error) {
		return apply(a, model.TransactionCredit, amount, model.PaymentSystem, ""), nil
	})
	if err != nil {
		return nil, fmt.Errorf("refund funds: %w", err)
	}

	return acc, nil
}

// Credit зачисляет подтверждённое пополнение. Повтор с той же ссылкой ничего не меняет
// и возвращает результат первого зачисления.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	if req.Status != model.TransactionSuccessful {
		return nil, ErrCreditNotSuccessful
	}
	if req.Reference == "" {
		return nil, ErrMissingReference
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if res, err := l.priorCredit(ctx, req); err == nil {
		return res, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	acc, rec, err := l.store.MutateAccount(ctx, req.UserID, func(a *model.Account) (*model.FundsTransaction, error) {
		return apply(a, model.TransactionCredit, req.Amount, req.Method, req.Reference), nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateReference) {
			// Параллельный вызов успел зачислить ту же ссылку.
			return l.priorCredit(ctx, req)
		}
		return nil, fmt.Errorf("credit funds: %w", err)
	}

	l.logger.Info("wallet credited",
		zap.Int64("userID", req.UserID),
		zap.String("amount", req.Amount.String()),
		zap.String("method", string(req.Method)),
		zap.String("reference", req.Reference),
	)

	return &CreditResult{Account: acc, Transaction: rec}, nil
}

func (l *Ledger) priorCredit(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	prior, err := l.store.FindSuccessfulTransaction(ctx, req.Reference)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("find prior credit: %w", err)
	}
	if prior.UserID != req.UserID {
		return nil, ErrReferenceOwnedByAnother
	}

	acc, err := l.store.GetAccount(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &CreditResult{Account: acc, Transaction: prior, Duplicate: true}, nil
}

// RefundReference возвращает ссылку возврата средств за заказ.
func RefundReference(orderID int64) string {
	return fmt.Sprintf("order-refund:%d", orderID)
}

// RefundOrder возвращает стоимость отменённого провайдером заказа. Повторный вызов
// для того же заказа ничего не меняет.
func (l *Ledger) RefundOrder(ctx context.Context, userID, orderID int64, charge decimal.Decimal) (*model.Account, error) {
	res, err := l.Credit(ctx, CreditRequest{
		UserID:    userID,
		Amount:    charge,
		Method:    model.PaymentSystem,
		Reference: RefundReference(orderID),
		Status:    model.TransactionSuccessful,
	})
	if err != nil {
		return nil, err
	}
	return res.Account, nil
}

// SyncSpend пересчитывает сумму трат по завершённым заказам и уровень аккаунта.
func (l *Ledger) SyncSpend(ctx context.Context, userID int64) (*model.Account, error) {
	spent, err := l.store.CompletedSpend(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("completed spend: %w", err)
	}

	acc, _, err := l.store.MutateAccount(ctx, userID, func(a *model.Account) (*model.FundsTransaction, error) {
		a.TotalSpent = spent
		a.Tier = model.TierFor(a.TotalSpent)
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("sync spend: %w", err)
	}

	return acc, nil
}

// History возвращает журнал операций пользователя.
func (l *Ledger) History(ctx context.Context, userID int64, limit, offset int) ([]model.FundsTransaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	return l.store.ListTransactions(ctx, userID, limit, offset)
}

// Status возвращает сводку по кошельку и заказам.
func (l *Ledger) Status(ctx context.Context, userID int64) (model.AccountStatus, error) {
	acc, err := l.Account(ctx, userID)
	if err != nil {
		return model.AccountStatus{}, err
	}

	stats, err := l.store.OrderStats(ctx, userID)
	if err != nil {
		return model.AccountStatus{}, fmt.Errorf("order stats: %w", err)
	}

	return model.AccountStatus{
		Balance:         acc.Balance,
		Tier:            acc.Tier,
		TotalOrders:     stats.Total,
		CompletedOrders: stats.Completed,
		CompletedAmount: stats.CompletedAmount,
	}, nil
}
