package migrations

import (
	"github.com/algotrendy/execution-core/internal/types"
	"gorm.io/gorm"
)

// AddFills creates the fill audit table and the indexes reconciliation
// depends on when diffing venue activity against local state.
func AddFills(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Fill{}); err != nil {
		return err
	}

	// Raw SQL for index creation to have more control over index types
	indexes := []string{
		// Composite index for attributing venue fills during reconciliation
		`CREATE INDEX IF NOT EXISTS idx_fills_venue_fill
		 ON fills(venue, venue_fill_id)`,

		// Index for per-order fill history
		`CREATE INDEX IF NOT EXISTS idx_fills_order_created
		 ON fills(order_id, created_at)`,

		// Index for per-symbol ledger audits
		`CREATE INDEX IF NOT EXISTS idx_fills_symbol
		 ON fills(symbol)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
