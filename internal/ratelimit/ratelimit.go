package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/algotrendy/execution-core/internal/config"
	"github.com/algotrendy/execution-core/internal/types"
	"golang.org/x/time/rate"
)

// Limiter paces outbound calls per venue with a token bucket: Capacity burst
// tokens, refilled continuously at RefillPerSec. Bucket state is shared by
// every submission to a venue.
type Limiter struct {
	venues map[string]*venueBucket
}

type venueBucket struct {
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewLimiter builds one bucket per configured venue.
func NewLimiter(venues map[string]config.VenueConfig) *Limiter {
	l := &Limiter{venues: make(map[string]*venueBucket, len(venues))}
	for name, cfg := range venues {
		l.venues[name] = &venueBucket{
			limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit.RefillPerSec), cfg.RateLimit.Capacity),
			maxWait: cfg.RateLimit.MaxWait.Std(),
		}
	}
	return l
}

// TryAcquire deducts cost tokens from the venue's bucket, suspending the
// caller until tokens are available or the venue's max wait elapses. A failed
// acquisition is a distinct, retryable failure, never a silent success.
func (l *Limiter) TryAcquire(ctx context.Context, venue string, cost int) error {
	bucket, ok := l.venues[venue]
	if !ok {
		return fmt.Errorf("no rate limit bucket for venue %s", venue)
	}

	waitCtx, cancel := context.WithTimeout(ctx, bucket.maxWait)
	defer cancel()

	if err := bucket.limiter.WaitN(waitCtx, cost); err != nil {
		// Caller cancellation propagates as-is; an elapsed max wait is the
		// rate-limit failure mode.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", types.ErrRateLimitExceeded, venue)
	}
	return nil
}

// Snapshot reports the bucket's currently available tokens, for status
// endpoints. Zero-valued for unknown venues.
func (l *Limiter) Snapshot(venue string) (available float64, burst int) {
	bucket, ok := l.venues[venue]
	if !ok {
		return 0, 0
	}
	return bucket.limiter.Tokens(), bucket.limiter.Burst()
}
