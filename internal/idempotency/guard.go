package idempotency

import (
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrResolutionTimeout is returned when a concurrent submission holding the
// same key did not resolve within the configured in-flight wait.
var ErrResolutionTimeout = errors.New("timed out waiting for in-flight submission with same intent key")

// Guard serializes submissions per client intent key. The lookup-and-mark is
// atomic: of any number of concurrent submissions with the same key, exactly
// one claims it and proceeds; the rest wait for its resolution and then see
// the committed record.
type Guard struct {
	db           *Database
	recordTTL    time.Duration
	inFlightWait time.Duration

	mu       sync.Mutex
	inFlight map[string]chan struct{} // closed when the key resolves
}

// NewGuard creates a guard over the shared database connection.
func NewGuard(gormDB *gorm.DB, recordTTL, inFlightWait time.Duration) *Guard {
	return &Guard{
		db:           NewDatabase(gormDB),
		recordTTL:    recordTTL,
		inFlightWait: inFlightWait,
		inFlight:     make(map[string]chan struct{}),
	}
}

// Ticket is the claim held by the one submission that owns an in-flight key.
// It must be resolved with Commit or Fail.
type Ticket struct {
	guard *Guard
	key   string
}

// Begin performs the atomic check-and-set for a key.
//
// Returns (nil, record, nil) when the key already committed: the caller must
// return the prior result instead of creating a new order. Returns a ticket
// when the caller has claimed the key and should proceed with submission.
// When the key is in flight elsewhere, Begin blocks (bounded) for resolution
// and then re-checks.
func (g *Guard) Begin(key string) (*Ticket, *Record, error) {
	deadline := time.Now().Add(g.inFlightWait)

	for {
		g.mu.Lock()
		record, err := g.db.GetRecord(key)
		if err != nil {
			g.mu.Unlock()
			return nil, nil, err
		}

		if record != nil && !record.Expired() {
			switch record.Outcome {
			case OutcomeCommitted:
				g.mu.Unlock()
				return nil, record, nil
			case OutcomeInFlight:
				waiter := g.inFlight[key]
				if waiter != nil {
					g.mu.Unlock()
					if err := waitClosed(waiter, deadline); err != nil {
						return nil, nil, err
					}
					continue
				}
				// A persisted IN_FLIGHT with no local waiter is a crashed
				// submission; the key may be reclaimed.
			}
		}

		// FAILED, expired, orphaned or absent: claim the key.
		if _, err := g.db.UpsertInFlight(key, time.Now().Add(g.recordTTL)); err != nil {
			g.mu.Unlock()
			return nil, nil, err
		}
		g.inFlight[key] = make(chan struct{})
		g.mu.Unlock()

		return &Ticket{guard: g, key: key}, nil, nil
	}
}

// Commit marks the key's outcome definitive and wakes any waiters, which will
// re-check and observe the committed record.
func (t *Ticket) Commit(orderID string) error {
	return t.guard.resolve(t.key, OutcomeCommitted, orderID)
}

// Fail releases the key so the same intent may be retried later.
func (t *Ticket) Fail() error {
	return t.guard.resolve(t.key, OutcomeFailed, "")
}

// Release marks a previously committed key FAILED so it becomes retryable.
// Used by reconciliation when a submission turns out to have never reached
// the venue.
func (g *Guard) Release(key string) error {
	return g.resolve(key, OutcomeFailed, "")
}

// Lookup returns the current record for a key, or nil.
func (g *Guard) Lookup(key string) (*Record, error) {
	return g.db.GetRecord(key)
}

func (g *Guard) resolve(key, outcome, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.db.Resolve(key, outcome, orderID); err != nil {
		return err
	}
	if waiter, ok := g.inFlight[key]; ok {
		close(waiter)
		delete(g.inFlight, key)
	}
	return nil
}

func waitClosed(ch chan struct{}, deadline time.Time) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return ErrResolutionTimeout
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrResolutionTimeout
	}
}
