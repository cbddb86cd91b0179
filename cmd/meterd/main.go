// Command meterd serves the prepaid balance meter over gRPC and, optionally,
// charges usage events queued in Redis.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/meter/config"
	"github.com/toolink/meter/extension"
	"github.com/toolink/meter/meterrpc"
	"github.com/toolink/meter/pubsub"
	"github.com/toolink/meter/redlb"
	"github.com/toolink/meter/worker"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("METER_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("meterd exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	mgr, err := build(ctx, cfg)
	if err != nil {
		return err
	}

	if err := mgr.LoadAll(ctx); err != nil {
		return err
	}
	log.Info().
		Str("backend", cfg.Store.Backend).
		Str("mode", string(cfg.Balance.Mode)).
		Str("listen_addr", cfg.GRPC.ListenAddr).
		Bool("queue", cfg.Queue.Enabled).
		Bool("alerts", cfg.Alerts.Enabled).
		Msg("meterd started")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return mgr.ShutdownAll(shutdownCtx)
}

// build wires every component and registers it with the lifecycle manager in
// start order: store, alerts, grpc, queue, discovery.
func build(ctx context.Context, cfg *config.Config) (*extension.Manager, error) {
	var client *redis.Client
	if cfg.NeedsRedis() {
		client = cfg.NewRedisClient()
	}

	store, closeStore, err := cfg.NewStore(redisCmdable(client))
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return nil, err
	}
	release := func() {
		closeStore()
		if client != nil {
			_ = client.Close()
		}
	}
	coord, err := cfg.NewCoordinator(store, redisCmdable(client))
	if err != nil {
		release()
		return nil, err
	}
	lim, err := cfg.NewLimiter(ctx, redisCmdable(client))
	if err != nil {
		release()
		return nil, err
	}

	mgr := extension.New()
	register := func(ext extension.Extension) {
		if err == nil {
			err = mgr.Register(ext)
		}
	}

	register(extension.Func{
		ID: "store",
		ShutdownFn: func(context.Context) error {
			release()
			return nil
		},
	})

	srvOpts := []meterrpc.ServerOption{meterrpc.WithListenAddr(cfg.GRPC.ListenAddr)}
	if lim != nil {
		srvOpts = append(srvOpts, meterrpc.WithLimiter(lim), meterrpc.WithTrustedCallers(cfg.GRPC.TrustCallerID))
	}
	var meter meterrpc.Meter = coord
	if cfg.Alerts.Enabled {
		var ps pubsub.PubSub
		ps, err = cfg.NewPubSub(redisUniversal(client))
		if err != nil {
			release()
			return nil, err
		}
		meter = pubsub.NewAlerter(coord, ps, cfg.Alerts.Topic, cfg.Alerts.Threshold)
		register(alertsExtension(cfg, ps))
	}

	srv := meterrpc.NewServer(meter, srvOpts...)
	register(srv)

	if cfg.Queue.Enabled {
		consumer, cerr := worker.NewConsumer(client, cfg.Queue.Name, meter,
			worker.WithConcurrency(cfg.Queue.Concurrency),
			worker.WithBlockTime(cfg.Queue.BlockTime),
			worker.WithOutcomes(cfg.Queue.Outcomes, cfg.Queue.OutcomesMaxLen),
		)
		if cerr != nil {
			release()
			return nil, cerr
		}
		register(consumer)
	}

	if cfg.Discovery.Enabled {
		register(discoveryExtension(cfg, client, srv))
	}

	if err != nil {
		release()
		return nil, err
	}
	return mgr, nil
}

// discoveryExtension registers the running server in the Redis registry.
func discoveryExtension(cfg *config.Config, client *redis.Client, srv *meterrpc.Server) extension.Extension {
	var (
		registry   *redlb.RedisRegistry
		deregister func(context.Context) error
	)
	return extension.Func{
		ID: "discovery",
		LoadFn: func(ctx context.Context) error {
			var err error
			registry, err = redlb.NewRedisRegistry(client, redlb.WithTTL(cfg.Discovery.TTL))
			if err != nil {
				return err
			}
			addr := cfg.Discovery.AdvertiseAddr
			if addr == "" {
				addr = srv.Addr()
			}
			deregister, err = registry.Register(ctx, &redlb.Instance{
				Service: cfg.Discovery.Service,
				Address: addr,
				Metadata: map[string]string{
					"mode":    string(cfg.Balance.Mode),
					"backend": cfg.Store.Backend,
				},
			})
			return err
		},
		ShutdownFn: func(ctx context.Context) error {
			defer registry.Close()
			return deregister(ctx)
		},
	}
}

// alertsExtension owns the alert transport. With the memory backend the
// alerts are only logged by meterd itself.
func alertsExtension(cfg *config.Config, ps pubsub.PubSub) extension.Extension {
	return extension.Func{
		ID: "alerts",
		LoadFn: func(ctx context.Context) error {
			if cfg.Alerts.Backend != config.AlertsMemory {
				return nil
			}
			_, err := ps.Subscribe(ctx, cfg.Alerts.Topic, logAlert)
			return err
		},
		ShutdownFn: func(context.Context) error {
			return ps.Close()
		},
	}
}

func logAlert(_ context.Context, a pubsub.Alert) {
	log.Warn().
		Str("kind", a.Kind).
		Int64("balance", a.Balance).
		Int64("threshold", a.Threshold).
		Str("service_type", a.ServiceType).
		Str("request_id", a.RequestID).
		Msg("balance alert")
}

func redisUniversal(c *redis.Client) redis.UniversalClient {
	if c == nil {
		return nil
	}
	return c
}

// redisCmdable avoids handing a typed nil *redis.Client to an interface.
func redisCmdable(c *redis.Client) redis.Cmdable {
	if c == nil {
		return nil
	}
	return c
}
