package idempotency

import (
	"time"

	"gorm.io/gorm"
)

// Outcomes of an intent key. Exactly one record per key ever reaches
// COMMITTED; FAILED and expired keys may be retried.
const (
	OutcomeInFlight  = "IN_FLIGHT"
	OutcomeCommitted = "COMMITTED"
	OutcomeFailed    = "FAILED"
)

// Record maps one client intent key to its definitive submission outcome.
type Record struct {
	gorm.Model      `json:"-"`
	ClientIntentKey string    `gorm:"uniqueIndex" json:"client_intent_key"`
	OrderID         string    `json:"order_id"`
	Outcome         string    `json:"outcome"` // IN_FLIGHT, COMMITTED, FAILED
	ExpiresAt       time.Time `json:"expires_at"`
}

// Expired reports whether the record's idempotency window has lapsed.
func (r *Record) Expired() bool {
	return time.Now().After(r.ExpiresAt)
}
