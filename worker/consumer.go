package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/meter/balance"
	"github.com/toolink/meter/meta"
)

// QueueCaller is the caller recorded on charges made from the queue.
const QueueCaller = "queue"

// Charger settles one usage event.
type Charger interface {
	Charge(ctx context.Context, ev balance.UsageEvent) (balance.ChargeResult, error)
}

// Consumer pops jobs from a Redis list with BRPOP and charges them.
// A job popped but not yet charged when the process dies is lost.
type Consumer struct {
	rdb     redis.Cmdable
	queue   string
	charger Charger
	opts    consumerOptions

	mu          sync.Mutex
	running     bool
	processChan chan []byte
	stopChan    chan struct{}
	pollerDone  chan struct{}
	processWg   sync.WaitGroup
}

// NewConsumer creates a Consumer for queue. Call Start to begin polling.
func NewConsumer(rdb redis.Cmdable, queue string, charger Charger, opts ...ConsumerOption) (*Consumer, error) {
	if queue == "" {
		return nil, errors.New("queue cannot be empty")
	}
	if charger == nil {
		return nil, errors.New("charger cannot be nil")
	}
	cfg := defaultConsumerOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Consumer{rdb: rdb, queue: queue, charger: charger, opts: cfg}, nil
}

// Queue returns the list the consumer polls.
func (c *Consumer) Queue() string {
	return c.queue
}

// Start launches the poller and processor goroutines.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("consumer already running")
	}
	c.running = true
	c.processChan = make(chan []byte, c.opts.bufferSize)
	c.stopChan = make(chan struct{})
	c.pollerDone = make(chan struct{})

	c.processWg.Add(c.opts.concurrency)
	for i := 0; i < c.opts.concurrency; i++ {
		go c.runProcessor(i)
	}
	go c.run()

	log.Info().Str("queue", c.queue).Int("concurrency", c.opts.concurrency).Dur("block_time", c.opts.blockTime).Msg("consumer started polling list")
	return nil
}

// Stop signals the poller to stop and waits for in-flight jobs to finish or
// ctx to end.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return errors.New("consumer not running")
	}
	c.running = false
	close(c.stopChan)
	pollerDone := c.pollerDone
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-pollerDone
		c.processWg.Wait()
		close(done)
	}()

	log.Info().Str("queue", c.queue).Msg("waiting for consumer goroutines to exit...")

	select {
	case <-done:
		log.Info().Str("queue", c.queue).Msg("consumer shutdown complete")
		return nil
	case <-ctx.Done():
		log.Error().Err(ctx.Err()).Str("queue", c.queue).Msg("consumer shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Name implements extension.Extension.
func (c *Consumer) Name() string {
	return "queue-consumer"
}

// Load implements extension.Extension.
func (c *Consumer) Load(context.Context) error {
	return c.Start()
}

// Shutdown implements extension.Extension.
func (c *Consumer) Shutdown(ctx context.Context) error {
	return c.Stop(ctx)
}

// run is the poller loop.
func (c *Consumer) run() {
	defer close(c.pollerDone)
	defer close(c.processChan)

	log.Debug().Str("queue", c.queue).Msg("redis list poller loop started (brpop)")

	for {
		select {
		case <-c.stopChan:
			log.Debug().Str("queue", c.queue).Msg("redis list poller loop stopping")
			return
		default:
		}

		// Background ctx: stopping is driven by blockTime and stopChan.
		result, err := c.rdb.BRPop(context.Background(), c.opts.blockTime, c.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				log.Trace().Str("queue", c.queue).Msg("brpop timeout")
				continue
			}
			log.Error().Err(err).Str("queue", c.queue).Msg("error during brpop")
			select {
			case <-time.After(time.Second):
			case <-c.stopChan:
				return
			}
			continue
		}

		if len(result) != 2 || result[0] != c.queue {
			log.Error().Str("queue", c.queue).Strs("brpop_result", result).Msg("invalid result format from brpop")
			continue
		}
		payload := []byte(result[1])

		select {
		case c.processChan <- payload:
		case <-c.stopChan:
			// already popped; hand it to a processor anyway before exiting
			c.processChan <- payload
			return
		}
	}
}

func (c *Consumer) runProcessor(id int) {
	defer c.processWg.Done()
	log.Debug().Str("queue", c.queue).Int("processor_id", id).Msg("job processor started")

	for payload := range c.processChan {
		c.process(payload, id)
	}
	log.Debug().Str("queue", c.queue).Int("processor_id", id).Msg("job processor finished")
}

func (c *Consumer) process(payload []byte, processorID int) {
	job, err := decodeJob(payload)
	if err != nil {
		log.Error().Err(err).Str("queue", c.queue).Int("processor_id", processorID).Msg("failed to decode job payload, skipping")
		c.record(Outcome{Kind: KindMalformed, Error: err.Error()})
		return
	}

	ctx := meta.NewContext(context.Background(), meta.Metadata{RequestID: job.ID, Caller: QueueCaller})

	var outcome Outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				meta.Logger(ctx).Error().Int("processor_id", processorID).Interface("panic_value", r).Msg("panic recovered while charging job")
				outcome = Outcome{JobID: job.ID, Kind: KindError, Error: fmt.Sprint(r)}
			}
		}()
		res, err := c.charger.Charge(ctx, job.Event)
		outcome = newOutcome(job.ID, res, err)
	}()

	meta.Logger(ctx).Debug().Str("kind", outcome.Kind).Int("processor_id", processorID).Msg("job processed")
	c.record(outcome)
}

func (c *Consumer) record(o Outcome) {
	if !c.opts.recordOutcomes {
		return
	}
	data, err := encodeOutcome(o)
	if err != nil {
		log.Error().Err(err).Str("job_id", o.JobID).Msg("failed to serialize outcome")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.outcomeTimeout)
	defer cancel()

	list := OutcomesQueue(c.queue)
	if err := c.rdb.LPush(ctx, list, data).Err(); err != nil {
		log.Error().Err(err).Str("queue", list).Str("job_id", o.JobID).Msg("failed to record outcome")
		return
	}
	if c.opts.outcomesMaxLen > 0 {
		if err := c.rdb.LTrim(ctx, list, 0, c.opts.outcomesMaxLen-1).Err(); err != nil {
			log.Warn().Err(err).Str("queue", list).Msg("failed to trim outcomes list")
		}
	}
}
