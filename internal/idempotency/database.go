package idempotency

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetRecord retrieves the record for a key, or nil when none exists.
func (d *Database) GetRecord(key string) (*Record, error) {
	var record Record
	if err := d.db.Where("client_intent_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// UpsertInFlight claims the key by writing an IN_FLIGHT record, reusing any
// prior FAILED or expired row. The unique index on the key is the durable
// backstop against two processes claiming it at once.
func (d *Database) UpsertInFlight(key string, expiresAt time.Time) (*Record, error) {
	record := &Record{
		ClientIntentKey: key,
		Outcome:         OutcomeInFlight,
		ExpiresAt:       expiresAt,
	}

	existing, err := d.GetRecord(key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.Outcome = OutcomeInFlight
		existing.OrderID = ""
		existing.ExpiresAt = expiresAt
		if err := d.db.Save(existing).Error; err != nil {
			return nil, err
		}
		return existing, nil
	}

	if err := d.db.Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}

// Resolve finalizes a record to COMMITTED or FAILED.
func (d *Database) Resolve(key, outcome, orderID string) error {
	return d.db.Model(&Record{}).
		Where("client_intent_key = ?", key).
		Updates(map[string]interface{}{
			"outcome":  outcome,
			"order_id": orderID,
		}).Error
}
