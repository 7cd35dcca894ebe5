package types

import "time"

// PositionView is the read-only snapshot of a position handed to callers and
// published on the event bus. The ledger owns the persisted record; nothing
// outside it mutates position state.
type PositionView struct {
	Symbol            string    `json:"symbol"`
	NetQuantity       float64   `json:"net_quantity"` // signed; positive = long
	AverageEntryPrice float64   `json:"average_entry_price,omitempty"`
	RealizedPnL       float64   `json:"realized_pnl"`
	UnrealizedPnL     float64   `json:"unrealized_pnl"`
	LastFillAt        time.Time `json:"last_fill_at"`
}

// IsLong reports whether the position is net long.
func (p *PositionView) IsLong() bool { return p.NetQuantity > 0 }

// IsShort reports whether the position is net short.
func (p *PositionView) IsShort() bool { return p.NetQuantity < 0 }

// IsFlat reports whether the position has decayed to zero quantity.
// AverageEntryPrice is undefined for flat positions.
func (p *PositionView) IsFlat() bool { return p.NetQuantity == 0 }
