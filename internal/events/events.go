package events

import "time"

// Topics exposed to collaborators.
const (
	TopicOrderStatusChanged = "order.status_changed"
	TopicPositionUpdated    = "position.updated"
)

// Event is the interface implemented by everything published on the bus.
type Event interface {
	Topic() string
	OccurredAt() time.Time
}

// BaseEvent carries the fields common to all events.
type BaseEvent struct {
	At time.Time `json:"at"`
}

// OccurredAt implements Event.
func (e BaseEvent) OccurredAt() time.Time { return e.At }

// OrderStatusChanged is published on every order state transition.
type OrderStatusChanged struct {
	BaseEvent
	OrderID   string `json:"order_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// Topic implements Event.
func (OrderStatusChanged) Topic() string { return TopicOrderStatusChanged }

// PositionUpdated is published after every ledger mutation.
type PositionUpdated struct {
	BaseEvent
	Symbol        string  `json:"symbol"`
	NetQuantity   float64 `json:"net_quantity"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Topic implements Event.
func (PositionUpdated) Topic() string { return TopicPositionUpdated }
