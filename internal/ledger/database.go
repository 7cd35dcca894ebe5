package ledger

import (
	"errors"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetPosition retrieves the position row for a symbol, or nil when the symbol
// has never been traded.
func (d *Database) GetPosition(symbol string) (*Position, error) {
	var position Position
	if err := d.db.Where("symbol = ?", symbol).First(&position).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &position, nil
}

// SavePosition persists a position atomically.
func (d *Database) SavePosition(position *Position) error {
	return d.db.Save(position).Error
}

// ListPositions returns all position rows.
func (d *Database) ListPositions() ([]Position, error) {
	var positions []Position
	if err := d.db.Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}
