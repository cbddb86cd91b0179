package worker

import (
	"time"
)

// --- Consumer Options ---

type consumerOptions struct {
	blockTime      time.Duration // how long BRPOP blocks waiting for a job
	concurrency    int           // number of processor goroutines
	bufferSize     int           // buffer between the poller and processors
	recordOutcomes bool          // LPUSH outcomes to <queue>:outcomes
	outcomesMaxLen int64         // LTRIM bound for the outcomes list, 0 disables
	outcomeTimeout time.Duration
}

func defaultConsumerOptions() consumerOptions {
	return consumerOptions{
		blockTime:      5 * time.Second,
		concurrency:    1,
		bufferSize:     128,
		recordOutcomes: true,
		outcomesMaxLen: 10000,
		outcomeTimeout: 3 * time.Second,
	}
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*consumerOptions)

// WithBlockTime sets the maximum time BRPOP should block waiting for a job.
// Redis rounds anything below one second up to one second.
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		if d > 0 {
			o.blockTime = d
		}
	}
}

// WithConcurrency sets the number of goroutines charging popped jobs.
func WithConcurrency(n int) ConsumerOption {
	return func(o *consumerOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithBufferSize sets the buffer between the poller and the processors.
func WithBufferSize(size int) ConsumerOption {
	return func(o *consumerOptions) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithOutcomes toggles writing outcomes and bounds the outcomes list.
// maxLen 0 keeps every outcome.
func WithOutcomes(enabled bool, maxLen int64) ConsumerOption {
	return func(o *consumerOptions) {
		o.recordOutcomes = enabled
		if maxLen >= 0 {
			o.outcomesMaxLen = maxLen
		}
	}
}

// --- Publisher Options ---

type publisherOptions struct {
	defaultPubTimeout time.Duration // timeout for LPUSH when ctx has no deadline
	listMaxLen        int64         // approx max list length (uses LTRIM). 0=disabled
}

func defaultPublisherOptions() publisherOptions {
	return publisherOptions{
		defaultPubTimeout: 5 * time.Second,
		listMaxLen:        0,
	}
}

// PublisherOption configures the Publisher.
type PublisherOption func(*publisherOptions)

// WithDefaultPubTimeout sets the context timeout for Enqueue calls.
func WithDefaultPubTimeout(d time.Duration) PublisherOption {
	return func(o *publisherOptions) {
		if d > 0 {
			o.defaultPubTimeout = d
		}
	}
}

// WithListMaxLen sets the approximate maximum length for the queue using LTRIM.
// After a successful LPUSH, LTRIM 0 (maxLen-1) keeps the newest maxLen jobs,
// dropping the oldest unconsumed ones. 0 disables trimming.
func WithListMaxLen(maxLen int64) PublisherOption {
	return func(o *publisherOptions) {
		if maxLen >= 0 {
			o.listMaxLen = maxLen
		}
	}
}
