package models

import "time"

// Event types
const (
	EventTypeOrderCreated           = "ORDER_CREATED"
	EventTypeOrderStatusChanged     = "ORDER_STATUS_CHANGED"
	EventTypeShipmentFailed         = "SHIPMENT_FAILED"
	EventTypeShipmentRetryRequested = "SHIPMENT_RETRY_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order is placed
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	UserID      string `json:"user_id"`
	TotalPrice  string `json:"total_price"`
	ItemCount   int    `json:"item_count"`
}

// OrderStatusChangedEvent published after every lifecycle transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID        string      `json:"order_id"`
	OrderNumber    string      `json:"order_number"`
	PreviousStatus OrderStatus `json:"previous_status"`
	CurrentStatus  OrderStatus `json:"current_status"`
	Actor          string      `json:"actor"`
	Note           string      `json:"note,omitempty"`
}

// ShipmentFailedEvent is the operator alert for a failed shipment creation
type ShipmentFailedEvent struct {
	BaseEvent
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Error       string `json:"error"`
}

// ShipmentRetryRequestedEvent asks the shipment worker to retry creation
type ShipmentRetryRequestedEvent struct {
	BaseEvent
	OrderID     string `json:"order_id"`
	RequestedBy string `json:"requested_by"`
}
