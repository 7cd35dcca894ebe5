package types

import (
	"errors"
	"fmt"
)

// Sentinel failures returned synchronously to callers.
var (
	// ErrRateLimitExceeded means venue admission could not be acquired within
	// the configured wait. Retryable after backoff; the order is REJECTED and
	// the intent key released.
	ErrRateLimitExceeded = errors.New("rate limit exceeded for venue")

	// ErrSymbolHalted means automated submission for the symbol has been
	// halted after a ledger anomaly, pending manual resolution.
	ErrSymbolHalted = errors.New("symbol halted pending manual resolution")

	// ErrOrderNotFound is returned by lookups for unknown order IDs.
	ErrOrderNotFound = errors.New("order not found")
)

// ValidationError is a caller fault detected before any external resource or
// persisted state is touched. It is never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order intent: %s %s", e.Field, e.Reason)
}

// VenueRejection is a definite synchronous failure from a venue. The order is
// dead; resubmitting with a fresh intent key is safe.
type VenueRejection struct {
	Venue  string
	Code   string
	Reason string
}

func (e *VenueRejection) Error() string {
	return fmt.Sprintf("venue %s rejected order (%s): %s", e.Venue, e.Code, e.Reason)
}

// AmbiguousOutcome wraps a network timeout or transport failure where the
// call may or may not have taken effect at the venue. It is never retried
// blindly; the reconciler owns resolution.
type AmbiguousOutcome struct {
	Venue string
	Op    string
	Err   error
}

func (e *AmbiguousOutcome) Error() string {
	return fmt.Sprintf("ambiguous outcome from venue %s during %s: %v", e.Venue, e.Op, e.Err)
}

func (e *AmbiguousOutcome) Unwrap() error { return e.Err }

// LedgerAnomaly is fatal for the affected symbol, not for the process: the
// venue and local ledger disagree beyond tolerance, which implies corruption
// that must not be auto-corrected.
type LedgerAnomaly struct {
	Symbol        string
	LocalQuantity float64
	VenueQuantity float64
	Reason        string
}

func (e *LedgerAnomaly) Error() string {
	return fmt.Sprintf("ledger anomaly on %s: local=%v venue=%v: %s",
		e.Symbol, e.LocalQuantity, e.VenueQuantity, e.Reason)
}

// IsAmbiguous reports whether err carries an unknown venue-side outcome.
func IsAmbiguous(err error) bool {
	var a *AmbiguousOutcome
	return errors.As(err, &a)
}

// IsVenueRejection reports whether err is a definite venue-side rejection.
func IsVenueRejection(err error) bool {
	var r *VenueRejection
	return errors.As(err, &r)
}
