package reconcile

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

func (d *Database) CreateAnomaly(anomaly *Anomaly) error {
	return d.db.Create(anomaly).Error
}

// OpenAnomaly returns the unresolved anomaly for a symbol, or nil when the
// symbol has none. Used to avoid stacking duplicate records while a symbol
// is already halted.
func (d *Database) OpenAnomaly(symbol string) (*Anomaly, error) {
	var anomaly Anomaly
	err := d.db.Where("symbol = ? AND resolved = ?", symbol, false).First(&anomaly).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &anomaly, nil
}

func (d *Database) ListOpenAnomalies() ([]Anomaly, error) {
	var anomalies []Anomaly
	if err := d.db.Where("resolved = ?", false).Order("detected_at").Find(&anomalies).Error; err != nil {
		return nil, err
	}
	return anomalies, nil
}

func (d *Database) ResolveAnomaly(anomalyID string) error {
	result := d.db.Model(&Anomaly{}).
		Where("anomaly_id = ? AND resolved = ?", anomalyID, false).
		Update("resolved", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
