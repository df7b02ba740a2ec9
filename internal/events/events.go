// Package events формирует события заказов и доставляет их из outbox в Kafka.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mmeshcher/boostmart/internal/model"
)

// Типы событий.
const (
	TypeOrderPlaced        = "order.placed"
	TypeOrderStatusChanged = "order.status_changed"
)

// OrderEvent: полезная нагрузка событий заказа.
type OrderEvent struct {
	Type       string    `json:"type"`
	OrderID    int64     `json:"orderId"`
	UserID     int64     `json:"userId"`
	ServiceID  int64     `json:"serviceId,omitempty"`
	Quantity   int64     `json:"quantity,omitempty"`
	Charge     string    `json:"charge,omitempty"`
	From       string    `json:"from,omitempty"`
	Status     string    `json:"status"`
	StartCount int64     `json:"startCount"`
	Remains    int64     `json:"remains"`
	OccurredAt time.Time `json:"occurredAt"`
}

func newMessage(topic string, e OrderEvent) (*model.OutboxMessage, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	return &model.OutboxMessage{
		Key:     strconv.FormatInt(e.OrderID, 10),
		Topic:   topic,
		Payload: payload,
		Status:  model.OutboxPending,
	}, nil
}

// OrderPlaced формирует событие о размещении заказа.
func OrderPlaced(topic string, o model.Order) (*model.OutboxMessage, error) {
	return newMessage(topic, OrderEvent{
		Type:       TypeOrderPlaced,
		OrderID:    o.OrderID,
		UserID:     o.UserID,
		ServiceID:  o.ServiceID,
		Quantity:   o.Quantity,
		Charge:     o.Charge.String(),
		Status:     string(o.Status),
		StartCount: o.StartCount,
		Remains:    o.Remains,
		OccurredAt: time.Now().UTC(),
	})
}

// StatusChanged формирует событие о смене статуса заказа.
func StatusChanged(topic string, userID int64, upd model.StatusUpdate) (*model.OutboxMessage, error) {
	return newMessage(topic, OrderEvent{
		Type:       TypeOrderStatusChanged,
		OrderID:    upd.OrderID,
		UserID:     userID,
		From:       string(upd.From),
		Status:     string(upd.To),
		StartCount: upd.StartCount,
		Remains:    upd.Remains,
		OccurredAt: time.Now().UTC(),
	})
}
