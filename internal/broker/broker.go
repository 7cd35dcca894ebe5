package broker

import (
	"context"
	"fmt"

	"github.com/algotrendy/execution-core/internal/config"
	"github.com/algotrendy/execution-core/internal/types"
	"github.com/shopspring/decimal"
)

// Adapter is the uniform capability surface implemented once per venue.
// Every operation is network I/O bounded by the venue's configured call
// timeout and may fail with *types.AmbiguousOutcome (the call may or may not
// have taken effect) or *types.VenueRejection (definite failure).
//
// Adapters never retry internally on ambiguous failures: retry policy belongs
// to the gateway and reconciler, which hold the idempotency context to do it
// safely.
type Adapter interface {
	Name() string

	// PlaceOrder submits the canonical order, translated to the venue's wire
	// vocabulary, and returns the venue's acknowledgement including any
	// synchronous fills.
	PlaceOrder(ctx context.Context, order *types.Order) (*Ack, error)

	// CancelOrder requests cancellation of a working venue order.
	CancelOrder(ctx context.Context, venueOrderID string) error

	// OpenOrders lists the orders the venue considers working.
	OpenOrders(ctx context.Context) ([]VenueOrder, error)

	// Positions lists the venue-side positions.
	Positions(ctx context.Context) ([]VenuePosition, error)

	// Balance returns the venue account balance in the settlement currency.
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// Ack is a successful venue acknowledgement of an order placement.
type Ack struct {
	VenueOrderID string
	Fills        []types.Fill
}

// VenueOrder is the venue's view of one working order.
type VenueOrder struct {
	VenueOrderID   string
	Symbol         string
	Side           string
	Quantity       float64
	FilledQuantity float64
	Fills          []types.Fill
}

// VenuePosition is the venue's view of one position.
type VenuePosition struct {
	Symbol      string
	NetQuantity float64
	EntryPrice  float64
}

// Instrument carries the venue's precision rules for one symbol. Quantities
// are rounded down to LotStep; prices to the nearest TickSize.
type Instrument struct {
	LotStep  decimal.Decimal
	TickSize decimal.Decimal
}

// RoundQuantity rounds qty down to the instrument's lot step. Rounding down
// is the only safe direction: rounding up would submit size the caller never
// asked for.
func (i Instrument) RoundQuantity(qty decimal.Decimal) decimal.Decimal {
	if i.LotStep.IsZero() {
		return qty
	}
	return qty.Div(i.LotStep).Floor().Mul(i.LotStep)
}

// RoundPrice rounds price to the nearest tick.
func (i Instrument) RoundPrice(price decimal.Decimal) decimal.Decimal {
	if i.TickSize.IsZero() {
		return price
	}
	return price.Div(i.TickSize).Round(0).Mul(i.TickSize)
}

// New constructs the adapter configured for a venue.
func New(name string, cfg config.VenueConfig) (Adapter, error) {
	switch cfg.Adapter {
	case "bybit":
		return NewBybit(name, cfg), nil
	case "binance":
		return NewBinance(name, cfg), nil
	case "sim":
		return NewSim(name), nil
	default:
		return nil, fmt.Errorf("unsupported venue adapter: %s", cfg.Adapter)
	}
}
