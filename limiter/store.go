package limiter

import "context"

// Store defines the interface for storing and checking throttle states.
type Store interface {
	// Allow reports whether one more call under key fits a token bucket of
	// rate tokens that refills fully every period seconds. It must update the
	// state atomically.
	Allow(ctx context.Context, key string, rate float64, period float64) (bool, error)
}
