package types

import (
	"time"

	"gorm.io/gorm"
)

// Order statuses. An order only ever moves forward through these.
const (
	StatusPending         = "PENDING"
	StatusSubmitted       = "SUBMITTED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusRejected        = "REJECTED"
	StatusCancelPending   = "CANCEL_PENDING"
	StatusCancelled       = "CANCELLED"
)

// Order sides and types.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeMarket   = "MARKET"
	TypeLimit    = "LIMIT"
	TypeStopLoss = "STOP_LOSS"
)

// Order represents one trade intent and its lifecycle. It is created by the
// gateway on intake and mutated only by the gateway (venue acks and fills) or
// by the reconciler when correcting drift.
type Order struct {
	gorm.Model            `json:"-"`
	OrderID               string    `gorm:"uniqueIndex" json:"order_id"`
	// Not unique: a rejected attempt and its retry share the intent key.
	// Uniqueness of in-flight keys is the idempotency guard's job.
	ClientIntentKey       string    `gorm:"index" json:"client_intent_key"`
	ClientID              string    `json:"client_id"`
	Symbol                string    `json:"symbol"`
	Side                  string    `json:"side"`       // BUY or SELL
	OrderType             string    `json:"order_type"` // MARKET, LIMIT or STOP_LOSS
	Quantity              float64   `json:"quantity"`
	LimitPrice            float64   `json:"limit_price,omitempty"`
	Venue                 string    `json:"venue"`
	VenueOrderID          string    `json:"venue_order_id,omitempty"`
	Status                string    `json:"status"`
	FilledQuantity        float64   `json:"filled_quantity"`
	AverageFillPrice      float64   `json:"average_fill_price"` // defined only once FilledQuantity > 0
	PendingReconciliation bool      `json:"pending_reconciliation"`
	CreatedAt             time.Time `json:"created_at"`
	LastUpdatedAt         time.Time `json:"last_updated_at"`
}

// validTransitions encodes the order state machine:
// PENDING -> SUBMITTED -> {PARTIALLY_FILLED -> FILLED | REJECTED | CANCEL_PENDING -> CANCELLED}
var validTransitions = map[string][]string{
	StatusPending:         {StatusSubmitted, StatusRejected},
	StatusSubmitted:       {StatusPartiallyFilled, StatusFilled, StatusRejected, StatusCancelPending},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelPending},
	StatusCancelPending:   {StatusCancelled, StatusPartiallyFilled, StatusFilled},
}

// CanTransition reports whether an order may move from one status to another.
// Terminal statuses have no outgoing transitions.
func CanTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether a status can never be left again.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// IsOpen reports whether the order is still working at a venue.
func (o *Order) IsOpen() bool {
	switch o.Status {
	case StatusSubmitted, StatusPartiallyFilled, StatusCancelPending:
		return true
	}
	return false
}

// RemainingQuantity returns the unfilled portion of the order.
func (o *Order) RemainingQuantity() float64 {
	rem := o.Quantity - o.FilledQuantity
	if rem < 0 {
		return 0
	}
	return rem
}

// Fill is one execution received from a venue. Fills are persisted as the
// audit trail the reconciler diffs venue activity against.
type Fill struct {
	gorm.Model  `json:"-"`
	FillID      string    `gorm:"uniqueIndex" json:"fill_id"`
	VenueFillID string    `gorm:"index" json:"venue_fill_id"`
	OrderID     string    `gorm:"index" json:"order_id"`
	Venue       string    `json:"venue"`
	Symbol      string    `json:"symbol"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	CreatedAt   time.Time `json:"created_at"`
}

// OrderIntent is the caller-supplied request to trade. The ClientIntentKey
// makes submission idempotent: resubmitting the same key returns the original
// order instead of creating a second one.
type OrderIntent struct {
	ClientIntentKey string  `json:"client_intent_key" binding:"required"`
	ClientID        string  `json:"client_id"`
	Symbol          string  `json:"symbol" binding:"required"`
	Side            string  `json:"side" binding:"required"`
	OrderType       string  `json:"order_type" binding:"required"`
	Quantity        float64 `json:"quantity" binding:"required"`
	LimitPrice      float64 `json:"limit_price,omitempty"`
	Venue           string  `json:"venue" binding:"required"`
}

// OrderHandle is the synchronous result of Submit. PendingReconciliation is
// set when the venue outcome is ambiguous and the reconciler owns resolution;
// it is never reported as a plain success.
type OrderHandle struct {
	OrderID               string `json:"order_id"`
	Status                string `json:"status"`
	PendingReconciliation bool   `json:"pending_reconciliation"`
}
