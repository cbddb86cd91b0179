package pubsub

import "time"

// SubscriptionOptions holds configuration for a subscription.
type SubscriptionOptions struct {
	// Concurrency is the number of goroutines running the handler.
	Concurrency int
	// BufferSize is the number of alerts queued ahead of the handler.
	BufferSize int
	// DispatchTimeout bounds how long a publish waits on a full buffer
	// before dropping the alert for this subscription.
	DispatchTimeout time.Duration
}

// Option configures a subscription.
type Option func(*SubscriptionOptions)

func defaultSubscriptionOptions() SubscriptionOptions {
	return SubscriptionOptions{
		Concurrency:     1,
		BufferSize:      64,
		DispatchTimeout: 100 * time.Millisecond,
	}
}

// WithConcurrency sets the number of handler goroutines.
func WithConcurrency(n int) Option {
	return func(o *SubscriptionOptions) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithBufferSize sets the subscription buffer size.
func WithBufferSize(n int) Option {
	return func(o *SubscriptionOptions) {
		if n >= 0 {
			o.BufferSize = n
		}
	}
}

// WithDispatchTimeout sets how long a publish waits on a full buffer.
func WithDispatchTimeout(d time.Duration) Option {
	return func(o *SubscriptionOptions) {
		if d > 0 {
			o.DispatchTimeout = d
		}
	}
}
