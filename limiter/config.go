package limiter

import (
	"fmt"
	"regexp"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Storage types
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Rule throttles calls to one gRPC method, or to every method matching a
// regex when IsRegex is set. Rate calls are allowed per Period seconds for
// each caller.
type Rule struct {
	Method  string  `yaml:"method"`
	IsRegex bool    `yaml:"is_regex"`
	Rate    float64 `yaml:"rate"`
	Period  float64 `yaml:"period"`

	compiledRegex *regexp.Regexp
}

// Config holds the overall throttle configuration.
type Config struct {
	StorageType string `yaml:"storage_type"` // "memory" or "redis"
	Rules       []Rule `yaml:"rules"`
}

// ValidateAndPrepare processes the raw config, validates it, and prepares internal fields.
// An empty StorageType defaults to memory.
func (c *Config) ValidateAndPrepare() error {
	if c.StorageType == "" {
		c.StorageType = StorageMemory
	}
	if c.StorageType != StorageMemory && c.StorageType != StorageRedis {
		return fmt.Errorf("invalid storage_type: %s, must be '%s' or '%s'", c.StorageType, StorageMemory, StorageRedis)
	}

	if len(c.Rules) == 0 {
		log.Warn().Msg("no throttle rules defined in config")
	}

	seen := make(map[string]bool)
	for i := range c.Rules {
		rule := &c.Rules[i]

		if rule.Method == "" {
			return fmt.Errorf("rule %d has an empty method", i)
		}
		if seen[rule.Method] {
			return fmt.Errorf("duplicate method definition found: %s", rule.Method)
		}
		seen[rule.Method] = true

		if rule.Rate <= 0 {
			return fmt.Errorf("rule for method '%s' has invalid rate: %f, must be positive", rule.Method, rule.Rate)
		}
		if rule.Period <= 0 {
			return fmt.Errorf("rule for method '%s' has invalid period: %f, must be positive", rule.Method, rule.Period)
		}

		if rule.IsRegex {
			re, err := regexp.Compile(rule.Method)
			if err != nil {
				return fmt.Errorf("failed to compile regex for method '%s': %w", rule.Method, err)
			}
			rule.compiledRegex = re
		}
	}
	return nil
}

// NewStore builds the store named by StorageType. client is required for redis.
func (c *Config) NewStore(client redis.Cmdable) (Store, error) {
	switch c.StorageType {
	case StorageRedis:
		if client == nil {
			return nil, fmt.Errorf("storage_type %s requires a redis client", StorageRedis)
		}
		return NewRedisStore(client), nil
	case StorageMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("invalid storage_type: %s", c.StorageType)
	}
}
