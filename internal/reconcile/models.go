package reconcile

import (
	"time"

	"gorm.io/gorm"
)

// Anomaly is a persisted record of a discrepancy between local state and
// venue state that could not be corrected automatically. The symbol stays
// halted until an operator resolves the anomaly and resumes it.
type Anomaly struct {
	gorm.Model    `json:"-"`
	AnomalyID     string    `gorm:"uniqueIndex" json:"anomaly_id"`
	Symbol        string    `gorm:"index" json:"symbol"`
	Reason        string    `json:"reason"`
	LocalQuantity float64   `json:"local_quantity"`
	VenueQuantity float64   `json:"venue_quantity"`
	Resolved      bool      `json:"resolved"`
	DetectedAt    time.Time `json:"detected_at"`
}
