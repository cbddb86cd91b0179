// Package pubsub fans balance alerts out to subscribers, either inside the
// process or across processes over Redis channels.
package pubsub

import (
	"context"
	"errors"
	"time"
)

// DefaultTopic is the topic meterd publishes balance alerts on.
const DefaultTopic = "meter:alerts"

// Alert kinds.
const (
	KindLowBalance = "low_balance"
	KindDenied     = "denied"
	KindReset      = "reset"
)

var (
	ErrClosed              = errors.New("pubsub: closed")
	ErrNilHandler          = errors.New("pubsub: handler cannot be nil")
	ErrEmptyTopic          = errors.New("pubsub: topic cannot be empty")
	ErrUnknownSubscription = errors.New("pubsub: unknown subscription")
)

// Alert is a notable change of the balance.
type Alert struct {
	Kind        string    `json:"kind"`
	Balance     int64     `json:"balance"`
	Threshold   int64     `json:"threshold,omitempty"`
	Charges     int64     `json:"charges,omitempty"`
	ServiceType string    `json:"serviceType,omitempty"`
	RequestID   string    `json:"requestId,omitempty"`
	Caller      string    `json:"caller,omitempty"`
	At          time.Time `json:"at"`
}

// Handler receives alerts for one subscription.
type Handler func(ctx context.Context, a Alert)

// PubSub publishes alerts to topics and delivers them to subscribers.
type PubSub interface {
	// Publish delivers a to every current subscriber of topic. Subscribers
	// that cannot keep up drop the alert.
	Publish(ctx context.Context, topic string, a Alert) error

	// Subscribe registers h on topic and returns the subscription id.
	Subscribe(ctx context.Context, topic string, h Handler, opts ...Option) (string, error)

	Unsubscribe(ctx context.Context, id string) error

	// Close stops every subscription and waits for in-flight handlers.
	Close() error
}
