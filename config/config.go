// Package config loads meterd settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/toolink/meter/balance"
	"github.com/toolink/meter/limiter"
	"github.com/toolink/meter/pubsub"
	"github.com/toolink/meter/tariff"
)

// DefaultPort is the store port when PORT is unset.
const DefaultPort = 6379

// Alert backends.
const (
	AlertsMemory = "memory"
	AlertsRedis  = "redis"
)

// Config is the full meterd configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Balance   BalanceConfig   `yaml:"balance"`
	Tariff    tariff.Config   `yaml:"tariff"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Queue     QueueConfig     `yaml:"queue"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Log       LogConfig       `yaml:"log"`
}

// StoreConfig selects the balance backend. Endpoint and Port also address the
// Redis server used for the queue, locks, shared throttling and discovery.
type StoreConfig struct {
	Backend     string        `yaml:"backend"`
	Endpoint    string        `yaml:"endpoint"`
	Port        int           `yaml:"port"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DatabaseURL string        `yaml:"database_url"`
	Migrate     bool          `yaml:"migrate"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	OpTimeout   time.Duration `yaml:"op_timeout"`
}

// BalanceConfig controls the single balance.
type BalanceConfig struct {
	Key     string        `yaml:"key"`
	Default int64         `yaml:"default"`
	Mode    balance.Mode  `yaml:"mode"`
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// GRPCConfig controls the gRPC surface.
type GRPCConfig struct {
	ListenAddr string         `yaml:"listen_addr"`
	Throttle   limiter.Config `yaml:"throttle"`
	// TrustCallerID throttles by x-caller-id instead of the peer host.
	TrustCallerID bool `yaml:"trust_caller_id"`
}

// QueueConfig controls the Redis usage-event queue consumer.
type QueueConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Name           string        `yaml:"name"`
	Concurrency    int           `yaml:"concurrency"`
	BlockTime      time.Duration `yaml:"block_time"`
	Outcomes       bool          `yaml:"outcomes"`
	OutcomesMaxLen int64         `yaml:"outcomes_max_len"`
}

// DiscoveryConfig controls registration in the Redis instance registry.
type DiscoveryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Service       string        `yaml:"service"`
	AdvertiseAddr string        `yaml:"advertise_addr"`
	TTL           time.Duration `yaml:"ttl"`
}

// AlertsConfig controls balance alerts. The memory backend only logs alerts
// inside meterd; the redis backend publishes them for meterctl watch.
type AlertsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Backend   string `yaml:"backend"`
	Topic     string `yaml:"topic"`
	Threshold int64  `yaml:"threshold"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:     balance.StorageRedis,
			Endpoint:    "localhost",
			Port:        DefaultPort,
			Migrate:     true,
			DialTimeout: balance.DefaultRedisDialTimeout,
			OpTimeout:   balance.DefaultRedisOpTimeout,
		},
		Balance: BalanceConfig{
			Key:     balance.DefaultKey,
			Default: balance.DefaultBalance,
			Mode:    balance.ModeCheckThenAct,
			LockTTL: 2 * time.Second,
		},
		GRPC: GRPCConfig{
			ListenAddr: ":7070",
			Throttle:   limiter.Config{StorageType: limiter.StorageMemory},
		},
		Queue: QueueConfig{
			Name:           "meter:usage",
			Concurrency:    1,
			BlockTime:      5 * time.Second,
			Outcomes:       true,
			OutcomesMaxLen: 10000,
		},
		Discovery: DiscoveryConfig{
			Service: "meter.v1.Meter",
			TTL:     30 * time.Second,
		},
		Alerts: AlertsConfig{
			Backend:   AlertsRedis,
			Topic:     pubsub.DefaultTopic,
			Threshold: 20,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path (optional), expands ${VAR} references, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(name string, set func(int64)) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
			return
		}
		set(n)
	}
	boolean := func(name string, dst *bool) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
			return
		}
		*dst = b
	}

	str("ENDPOINT", &c.Store.Endpoint)
	integer("PORT", func(n int64) { c.Store.Port = int(n) })
	str("STORE_PASSWORD", &c.Store.Password)
	integer("STORE_DB", func(n int64) { c.Store.DB = int(n) })
	str("STORE_BACKEND", &c.Store.Backend)
	str("DATABASE_URL", &c.Store.DatabaseURL)
	str("BALANCE_KEY", &c.Balance.Key)
	integer("DEFAULT_BALANCE", func(n int64) { c.Balance.Default = n })
	if v, ok := lookup("SETTLEMENT_MODE"); ok && v != "" {
		c.Balance.Mode = balance.Mode(v)
	}
	str("LISTEN_ADDR", &c.GRPC.ListenAddr)
	boolean("QUEUE_ENABLED", &c.Queue.Enabled)
	str("QUEUE_NAME", &c.Queue.Name)
	boolean("ALERTS_ENABLED", &c.Alerts.Enabled)
	integer("ALERT_THRESHOLD", func(n int64) { c.Alerts.Threshold = n })
	str("LOG_LEVEL", &c.Log.Level)

	return errors.Join(errs...)
}

// Validate checks ranges and cross-field consistency, and prepares the
// throttle rules.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case balance.StorageRedis, balance.StorageMemory:
	case balance.StoragePostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("config: store: database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: store: invalid backend %q", c.Store.Backend)
	}
	if c.Store.Endpoint == "" {
		return errors.New("config: store: endpoint is required")
	}
	if c.Store.Port <= 0 || c.Store.Port > 65535 {
		return fmt.Errorf("config: store: invalid port %d", c.Store.Port)
	}
	if c.Store.DB < 0 {
		return fmt.Errorf("config: store: invalid db %d", c.Store.DB)
	}

	if strings.TrimSpace(c.Balance.Key) == "" {
		return errors.New("config: balance: key is required")
	}
	if c.Balance.Default < 0 {
		return fmt.Errorf("config: balance: default cannot be negative: %d", c.Balance.Default)
	}
	if !c.Balance.Mode.Valid() {
		return fmt.Errorf("config: balance: invalid mode %q", c.Balance.Mode)
	}
	if _, err := c.Tariff.Table(); err != nil {
		return fmt.Errorf("config: tariff: %w", err)
	}

	if c.GRPC.ListenAddr == "" {
		return errors.New("config: grpc: listen_addr is required")
	}
	if err := c.GRPC.Throttle.ValidateAndPrepare(); err != nil {
		return fmt.Errorf("config: grpc: throttle: %w", err)
	}

	if c.Queue.Enabled {
		if c.Queue.Name == "" {
			return errors.New("config: queue: name is required when enabled")
		}
		if c.Queue.Concurrency <= 0 {
			return fmt.Errorf("config: queue: invalid concurrency %d", c.Queue.Concurrency)
		}
	}

	if c.Discovery.Enabled && c.Discovery.Service == "" {
		return errors.New("config: discovery: service is required when enabled")
	}

	if c.Alerts.Enabled {
		switch c.Alerts.Backend {
		case AlertsMemory, AlertsRedis:
		default:
			return fmt.Errorf("config: alerts: invalid backend %q", c.Alerts.Backend)
		}
		if c.Alerts.Topic == "" {
			return errors.New("config: alerts: topic is required when enabled")
		}
		if c.Alerts.Threshold < 0 {
			return fmt.Errorf("config: alerts: threshold cannot be negative: %d", c.Alerts.Threshold)
		}
	}

	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config: log: invalid format %q", c.Log.Format)
	}
	return nil
}

// RedisAddr is the host:port of the Redis server.
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.Store.Endpoint, strconv.Itoa(c.Store.Port))
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.Store.Backend == balance.StorageRedis ||
		c.Balance.Mode == balance.ModeLocked ||
		c.GRPC.Throttle.StorageType == limiter.StorageRedis ||
		c.Queue.Enabled ||
		c.Discovery.Enabled ||
		(c.Alerts.Enabled && c.Alerts.Backend == AlertsRedis)
}
