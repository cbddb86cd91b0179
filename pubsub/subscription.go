package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// subscription runs a handler over a buffered channel of alerts.
type subscription struct {
	id      string
	topic   string
	handler Handler
	opts    SubscriptionOptions

	ch       chan Alert
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newSubscription(topic string, h Handler, opts ...Option) (*subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if h == nil {
		return nil, ErrNilHandler
	}
	o := defaultSubscriptionOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &subscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: h,
		opts:    o,
		ch:      make(chan Alert, o.BufferSize),
		stopCh:  make(chan struct{}),
	}, nil
}

func (s *subscription) start() {
	for i := 0; i < s.opts.Concurrency; i++ {
		s.wg.Add(1)
		go s.run()
	}
}

func (s *subscription) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case a := <-s.ch:
			s.handle(a)
		}
	}
}

func (s *subscription) handle(a Alert) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("topic", s.topic).Str("subscription_id", s.id).Msg("alert handler panicked")
		}
	}()
	s.handler(context.Background(), a)
}

// deliver queues a, waiting at most DispatchTimeout on a full buffer.
// It reports whether the alert was queued.
func (s *subscription) deliver(a Alert) bool {
	select {
	case s.ch <- a:
		return true
	case <-s.stopCh:
		return false
	default:
	}

	timer := time.NewTimer(s.opts.DispatchTimeout)
	defer timer.Stop()
	select {
	case s.ch <- a:
		return true
	case <-s.stopCh:
		return false
	case <-timer.C:
		log.Warn().
			Str("topic", s.topic).
			Str("subscription_id", s.id).
			Int("buffer_cap", cap(s.ch)).
			Msg("subscription buffer full, dropping alert")
		return false
	}
}

// stop ends the workers and waits for in-flight handlers. Queued alerts are
// discarded.
func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
}
