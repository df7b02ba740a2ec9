// Package model содержит доменные сущности сервиса накрутки boostmart.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User представляет пользователя из внешнего каталога пользователей.
type User struct {
	ID        int64
	FirstName string
	LastName  string
}

// Service описывает услугу провайдера из локального каталога.
// Rate уже включает наценку платформы и указан за единицу количества.
type Service struct {
	ServiceID   int64
	Name        string
	Type        string
	Category    string
	Rate        decimal.Decimal
	Min         int64
	Max         int64
	Refill      bool
	Cancel      bool
	IsActive    bool
	LastUpdated time.Time
}

// Order описывает заказ, переданный провайдеру.
type Order struct {
	ID         int64
	OrderID    int64
	UserID     int64
	ServiceID  int64
	Link       string
	Quantity   int64
	Charge     decimal.Decimal
	StartCount int64
	Remains    int64
	Status     OrderStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OpenOrder: проекция незавершённого заказа, достаточная для сверки статусов.
type OpenOrder struct {
	OrderID int64
	UserID  int64
	Charge  decimal.Decimal
	Status  OrderStatus
}

// StatusUpdate описывает изменение статуса заказа, полученное от провайдера.
type StatusUpdate struct {
	OrderID    int64
	From       OrderStatus
	To         OrderStatus
	StartCount int64
	Remains    int64
}

// Activity: запись журнала действий пользователя.
type Activity struct {
	ID        int64
	UserID    int64
	Action    string
	CreatedAt time.Time
}

// IntentState описывает стадию размещения заказа у провайдера.
type IntentState string

const (
	IntentReserved  IntentState = "RESERVED"
	IntentPlaced    IntentState = "PLACED"
	IntentCompleted IntentState = "COMPLETED"
	IntentReleased  IntentState = "RELEASED"
	IntentStale     IntentState = "STALE"
)

// PlacementIntent фиксирует намерение разместить заказ до обращения к провайдеру,
// чтобы списанные средства не терялись между вызовом провайдера и записью заказа.
type PlacementIntent struct {
	ID              uuid.UUID
	UserID          int64
	ServiceID       int64
	Link            string
	Quantity        int64
	Charge          decimal.Decimal
	State           IntentState
	ExternalOrderID *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OutboxStatus описывает состояние сообщения в исходящей очереди.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxFailed  OutboxStatus = "FAILED"
)

// OutboxMessage: событие, записанное в одной транзакции с изменением заказа.
type OutboxMessage struct {
	ID         int64
	Key        string
	Topic      string
	Payload    []byte
	Status     OutboxStatus
	RetryCount int
	CreatedAt  time.Time
}
