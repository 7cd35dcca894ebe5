package ledger

import (
	"time"

	"gorm.io/gorm"
)

// Position is the persisted aggregate holding per symbol. NetQuantity is
// signed (positive = long). AverageEntryPrice is meaningless while
// NetQuantity is zero; rows are never deleted, they decay to zero quantity
// and stay for historical PnL reporting. Unrealized PnL is derived from the
// current mark price and deliberately not persisted as source of truth.
type Position struct {
	gorm.Model        `json:"-"`
	Symbol            string    `gorm:"uniqueIndex" json:"symbol"`
	NetQuantity       float64   `json:"net_quantity"`
	AverageEntryPrice float64   `json:"average_entry_price"`
	RealizedPnL       float64   `json:"realized_pnl"`
	LastFillAt        time.Time `json:"last_fill_at"`
}
