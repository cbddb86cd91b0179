package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// redisSubscription couples a local subscription with its Redis channel
// listener.
type redisSubscription struct {
	*subscription
	ps         *redis.PubSub
	listenerWg sync.WaitGroup
}

// RedisPubSub publishes alerts on Redis channels named after the topic. Only
// subscribers connected at publish time receive an alert.
type RedisPubSub struct {
	client redis.UniversalClient
	mu     sync.Mutex
	closed bool
	subs   map[string]*redisSubscription
}

// NewRedisPubSub creates a Redis-backed PubSub. The client is not closed by
// Close.
func NewRedisPubSub(client redis.UniversalClient) (*RedisPubSub, error) {
	if client == nil {
		return nil, errors.New("pubsub: redis client cannot be nil")
	}
	return &RedisPubSub{
		client: client,
		subs:   make(map[string]*redisSubscription),
	}, nil
}

// Publish sends a as JSON on the topic channel.
func (r *RedisPubSub) Publish(ctx context.Context, topic string, a Alert) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("pubsub: marshal alert: %w", err)
	}
	n, err := r.client.Publish(ctx, topic, payload).Result()
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to publish alert")
		return fmt.Errorf("pubsub: publish %s: %w", topic, err)
	}
	log.Debug().Str("topic", topic).Str("kind", a.Kind).Int64("receivers", n).Msg("alert published")
	return nil
}

// Subscribe listens on the topic channel. It returns once Redis has
// confirmed the subscription.
func (r *RedisPubSub) Subscribe(ctx context.Context, topic string, h Handler, opts ...Option) (string, error) {
	sub, err := newSubscription(topic, h, opts...)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	r.mu.Unlock()

	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return "", fmt.Errorf("pubsub: subscribe %s: %w", topic, err)
	}

	rs := &redisSubscription{subscription: sub, ps: ps}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ps.Close()
		return "", ErrClosed
	}
	r.subs[sub.id] = rs
	r.mu.Unlock()

	sub.start()
	rs.listenerWg.Add(1)
	go rs.listen()

	log.Info().Str("topic", topic).Str("subscription_id", sub.id).Msg("redis subscription added")
	return sub.id, nil
}

func (rs *redisSubscription) listen() {
	defer rs.listenerWg.Done()
	for msg := range rs.ps.Channel() {
		var a Alert
		if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
			log.Warn().Err(err).Str("topic", rs.topic).Msg("discarding malformed alert")
			continue
		}
		rs.deliver(a)
	}
}

func (rs *redisSubscription) close() error {
	err := rs.ps.Close()
	rs.listenerWg.Wait()
	rs.stop()
	return err
}

// Unsubscribe closes the Redis subscription and stops its handlers.
func (r *RedisPubSub) Unsubscribe(_ context.Context, id string) error {
	r.mu.Lock()
	rs, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if !ok {
		return ErrUnknownSubscription
	}
	log.Info().Str("topic", rs.topic).Str("subscription_id", id).Msg("removing redis subscription")
	return rs.close()
}

// Close ends every subscription.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()

	var firstErr error
	for _, rs := range subs {
		if err := rs.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
