package models

import "time"

// Event types
const (
	EventTypeOrderPlaced        = "ORDER_PLACED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeOrderCancelled     = "ORDER_CANCELLED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderItemData represents item data carried in events
type OrderItemData struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}

// OrderPlacedEvent is published after a checkout commits.
type OrderPlacedEvent struct {
	BaseEvent
	OrderNumber string          `json:"order_number"`
	UserID      string          `json:"user_id"`
	Total       int64           `json:"total"`
	Items       []OrderItemData `json:"items"`
}

// OrderStatusChangedEvent is published after any status transition commits.
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderNumber string `json:"order_number"`
	From        string `json:"from"`
	To          string `json:"to"`
	Actor       string `json:"actor"`
	Note        string `json:"note,omitempty"`
}

// OrderCancelledEvent is published after a cancellation commits. Items carry
// the released quantities so downstream caches can resync.
type OrderCancelledEvent struct {
	BaseEvent
	OrderNumber string          `json:"order_number"`
	UserID      string          `json:"user_id"`
	Reason      string          `json:"reason,omitempty"`
	Items       []OrderItemData `json:"items"`
}
