package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier: уровень аккаунта, вычисляемый из суммы трат.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

var (
	tier2Threshold = decimal.NewFromInt(25000)
	tier3Threshold = decimal.NewFromInt(100000)
)

// TierFor вычисляет уровень аккаунта по сумме завершённых заказов.
func TierFor(totalSpent decimal.Decimal) Tier {
	switch {
	case totalSpent.GreaterThanOrEqual(tier3Threshold):
		return Tier3
	case totalSpent.GreaterThanOrEqual(tier2Threshold):
		return Tier2
	default:
		return Tier1
	}
}

// Account: кошелёк пользователя.
type Account struct {
	UserID     int64
	Balance    decimal.Decimal
	TotalSpent decimal.Decimal
	Tier       Tier
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TransactionType: направление движения средств.
type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

// TransactionStatus: статус операции пополнения или списания.
type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "pending"
	TransactionSuccessful TransactionStatus = "successful"
	TransactionFailed     TransactionStatus = "failed"
)

// PaymentMethod: источник средств.
type PaymentMethod string

const (
	PaymentFlutterwave  PaymentMethod = "FlutterWave"
	PaymentBankTransfer PaymentMethod = "Bank Transfer"
	PaymentPaystack     PaymentMethod = "Paystack"
	PaymentSystem       PaymentMethod = "System"
)

// FundsTransaction: неизменяемая запись об изменении баланса.
// TransactionID назначает хранилище из последовательности.
type FundsTransaction struct {
	TransactionID     int64
	UserID            int64
	Type              TransactionType
	Amount            decimal.Decimal
	Status            TransactionStatus
	BalanceBefore     decimal.Decimal
	BalanceAfter      decimal.Decimal
	PaymentMethod     PaymentMethod
	ExternalReference string
	CreatedAt         time.Time
}

// AccountStatus: сводка по кошельку и заказам пользователя.
type AccountStatus struct {
	Balance         decimal.Decimal
	Tier            Tier
	TotalOrders     int64
	CompletedOrders int64
	CompletedAmount decimal.Decimal
}

// OrderStats: агрегаты по заказам пользователя.
type OrderStats struct {
	Total           int64
	Completed       int64
	CompletedAmount decimal.Decimal
}
