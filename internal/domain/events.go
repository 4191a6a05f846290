package domain

import "time"

// OrderStatusChangedEvent is published to the notification collaborator on
// every lifecycle transition. Delivery is fire-and-forget; the order history
// in the database is the source of truth.
type OrderStatusChangedEvent struct {
	OrderID    string      `json:"order_id"`
	CustomerID string      `json:"customer_id"`
	FromStatus OrderStatus `json:"from_status"`
	ToStatus   OrderStatus `json:"to_status"`
	Timestamp  time.Time   `json:"timestamp"`
}
