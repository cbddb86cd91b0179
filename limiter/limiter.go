// Package limiter throttles inbound gRPC calls per method and caller.
package limiter

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// AnonymousCaller is the bucket identity for calls without a caller id.
const AnonymousCaller = "anonymous"

// Limiter matches a method against the configured rules and checks each
// matching rule's bucket for the caller. The caller string is used as given;
// callers that can pick their own id can also pick a fresh bucket, so pass an
// identity the client cannot choose freely.
type Limiter struct {
	config *Config
	store  Store
}

// New creates a Limiter. cfg must have passed ValidateAndPrepare.
func New(cfg *Config, store Store) *Limiter {
	return &Limiter{config: cfg, store: store}
}

// Allow reports whether the call may proceed. Store failures are logged and
// the call is let through.
func (l *Limiter) Allow(ctx context.Context, method, caller string) bool {
	if caller == "" {
		caller = AnonymousCaller
	}

	for i := range l.config.Rules {
		rule := &l.config.Rules[i]
		if !methodMatches(method, rule) {
			continue
		}

		key := storeKey(rule, caller)
		allowed, err := l.store.Allow(ctx, key, rule.Rate, rule.Period)
		if err != nil {
			log.Error().Err(err).Str("method", method).Str("rule_method", rule.Method).Msg("throttle check failed")
			continue
		}
		if !allowed {
			log.Warn().Str("method", method).Str("rule_method", rule.Method).Str("caller", caller).Msg("throttle triggered for rule")
			return false
		}
	}
	return true
}

func methodMatches(method string, rule *Rule) bool {
	if rule.IsRegex {
		return rule.compiledRegex != nil && rule.compiledRegex.MatchString(method)
	}
	return rule.Method == method
}

// storeKey format: rule:<Rule.Method>|caller:<caller>
func storeKey(rule *Rule, caller string) string {
	return fmt.Sprintf("rule:%s|caller:%s", rule.Method, caller)
}
