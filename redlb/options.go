package redlb

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Defaults
const (
	DefaultKeyPrefix     = "redlb"
	DefaultTTL           = 30 * time.Second
	DefaultWatchInterval = 10 * time.Second
)

type options struct {
	keyPrefix         string
	ttl               time.Duration
	heartbeatInterval time.Duration
	watchInterval     time.Duration
}

// Option configures the Redis registry.
type Option func(*options)

func newOptions(opts ...Option) options {
	o := options{
		keyPrefix:     DefaultKeyPrefix,
		ttl:           DefaultTTL,
		watchInterval: DefaultWatchInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.heartbeatInterval <= 0 || o.heartbeatInterval >= o.ttl {
		if o.heartbeatInterval > 0 {
			log.Warn().Dur("configured_heartbeat", o.heartbeatInterval).Dur("ttl", o.ttl).Msg("heartbeat interval was >= ttl, adjusted")
		}
		o.heartbeatInterval = o.ttl / 3
	}
	return o
}

// WithKeyPrefix sets the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithTTL sets how long an instance survives without a heartbeat.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithHeartbeatInterval sets how often a registered instance renews its TTL.
// Defaults to a third of the TTL.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithWatchInterval sets how often Watch polls Redis.
func WithWatchInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.watchInterval = d
		}
	}
}
