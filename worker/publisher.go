// Package worker moves usage events through a Redis list so producers can
// meter usage without waiting on the charge.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/meter/balance"
)

// Publisher sends usage events to a Redis list.
type Publisher struct {
	rdb  redis.Cmdable
	opts publisherOptions
}

// NewPublisher creates a new Publisher instance.
func NewPublisher(rdb redis.Cmdable, opts ...PublisherOption) *Publisher {
	cfg := defaultPublisherOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Publisher{
		rdb:  rdb,
		opts: cfg,
	}
}

// Enqueue validates ev and pushes it to queue, returning the job id.
// Invalid events are rejected here rather than surfacing later as outcomes.
func (p *Publisher) Enqueue(ctx context.Context, queue string, ev balance.UsageEvent) (string, error) {
	if queue == "" {
		return "", errors.New("queue cannot be empty")
	}
	if err := ev.Validate(); err != nil {
		return "", err
	}

	if _, deadlineSet := ctx.Deadline(); !deadlineSet {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.defaultPubTimeout)
		defer cancel()
	}

	job := Job{ID: uuid.NewString(), Event: ev}
	payload, err := encodeJob(job)
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("failed to serialize job")
		return "", fmt.Errorf("serialization failed: %w", err)
	}

	if err := p.rdb.LPush(ctx, queue, payload).Err(); err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("failed to enqueue job (lpush)")
		return "", err
	}

	if p.opts.listMaxLen > 0 {
		if trimErr := p.rdb.LTrim(ctx, queue, 0, p.opts.listMaxLen-1).Err(); trimErr != nil {
			log.Warn().Err(trimErr).Str("queue", queue).Int64("max_len", p.opts.listMaxLen).Msg("failed to trim queue after lpush")
		}
	}

	log.Debug().Str("queue", queue).Str("job_id", job.ID).Str("service_type", ev.ServiceType).Msg("job enqueued")
	return job.ID, nil
}
