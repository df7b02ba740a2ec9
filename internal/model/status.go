package model

import "strings"

// OrderStatus описывает статус заказа в терминах провайдера.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusProcessing OrderStatus = "Processing"
	OrderStatusInProgress OrderStatus = "In progress"
	OrderStatusPartial    OrderStatus = "Partial"
	OrderStatusCompleted  OrderStatus = "Completed"
	OrderStatusCancelled  OrderStatus = "Cancelled"
	OrderStatusRefunded   OrderStatus = "Refunded"
)

// OpenStatuses перечисляет статусы, которые ещё нужно сверять с провайдером.
var OpenStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusInProgress,
	OrderStatusPartial,
}

// ParseOrderStatus приводит статус из ответа провайдера к известному значению.
// Провайдер пишет "Canceled" и не всегда соблюдает регистр.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return OrderStatusPending, true
	case "processing":
		return OrderStatusProcessing, true
	case "in progress", "in_progress", "inprogress":
		return OrderStatusInProgress, true
	case "partial":
		return OrderStatusPartial, true
	case "completed":
		return OrderStatusCompleted, true
	case "cancelled", "canceled":
		return OrderStatusCancelled, true
	case "refunded":
		return OrderStatusRefunded, true
	}
	return "", false
}

// IsTerminal сообщает, что заказ больше не меняет статус.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// stage: 0: начальный, 1: в работе, 2: завершён.
func (s OrderStatus) stage() int {
	switch s {
	case OrderStatusPending:
		return 0
	case OrderStatusProcessing, OrderStatusInProgress, OrderStatusPartial:
		return 1
	case OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded:
		return 2
	}
	return -1
}

// CanTransition проверяет, что переход from -> to движется только вперёд.
// Между промежуточными статусами переходы разрешены, из завершённых: нет.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return false
	}
	fs, ts := from.stage(), to.stage()
	if fs < 0 || ts < 0 || fs == 2 {
		return false
	}
	if fs == 1 && ts == 1 {
		return true
	}
	return ts > fs
}
