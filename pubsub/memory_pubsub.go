package pubsub

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// MemoryPubSub delivers alerts to subscribers in the same process.
type MemoryPubSub struct {
	mu     sync.RWMutex
	closed bool
	topics map[string]map[string]*subscription // topic -> id -> sub
	byID   map[string]*subscription
}

// NewMemoryPubSub creates an empty in-process PubSub.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		topics: make(map[string]map[string]*subscription),
		byID:   make(map[string]*subscription),
	}
}

// Publish queues a to every subscriber of topic.
func (m *MemoryPubSub) Publish(ctx context.Context, topic string, a Alert) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*subscription, 0, len(m.topics[topic]))
	for _, s := range m.topics[topic] {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	if len(subs) == 0 {
		log.Debug().Str("topic", topic).Str("kind", a.Kind).Msg("no subscribers, alert dropped")
		return nil
	}
	for _, s := range subs {
		s.deliver(a)
	}
	return nil
}

// Subscribe registers h on topic.
func (m *MemoryPubSub) Subscribe(_ context.Context, topic string, h Handler, opts ...Option) (string, error) {
	sub, err := newSubscription(topic, h, opts...)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[string]*subscription)
	}
	m.topics[topic][sub.id] = sub
	m.byID[sub.id] = sub
	sub.start()

	log.Info().Str("topic", topic).Str("subscription_id", sub.id).Msg("subscription added")
	return sub.id, nil
}

// Unsubscribe stops and removes the subscription.
func (m *MemoryPubSub) Unsubscribe(_ context.Context, id string) error {
	m.mu.Lock()
	sub, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.topics[sub.topic], id)
		if len(m.topics[sub.topic]) == 0 {
			delete(m.topics, sub.topic)
		}
	}
	m.mu.Unlock()

	if !ok {
		return ErrUnknownSubscription
	}
	sub.stop()
	log.Info().Str("topic", sub.topic).Str("subscription_id", id).Msg("subscription removed")
	return nil
}

// Close stops every subscription.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*subscription, 0, len(m.byID))
	for _, s := range m.byID {
		subs = append(subs, s)
	}
	m.topics = make(map[string]map[string]*subscription)
	m.byID = make(map[string]*subscription)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			s.stop()
		}(s)
	}
	wg.Wait()
	return nil
}
