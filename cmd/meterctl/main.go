// Command meterctl is the operator CLI for meterd.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	"github.com/toolink/meter/balance"
	"github.com/toolink/meter/meta"
	"github.com/toolink/meter/meterrpc"
	"github.com/toolink/meter/pubsub"
	"github.com/toolink/meter/redlb"
	"github.com/toolink/meter/worker"
)

const usage = `usage: meterctl [flags] <command> [command flags]

commands:
  charge   -type voice|data -unit N   charge one usage event
  reset                               restore the default balance
  balance                             print the stored balance
  enqueue  -type voice|data -unit N   push a usage event to the queue
  outcomes -n N                       print the newest queue outcomes
  watch    -topic T                   print balance alerts until interrupted
`

type globals struct {
	addr     string
	discover string
	redis    string
	queue    string
	caller   string
	timeout  time.Duration
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).Level(zerolog.WarnLevel)

	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "meterctl:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var g globals
	fs := flag.NewFlagSet("meterctl", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage); fs.PrintDefaults() }
	fs.StringVar(&g.addr, "addr", envOr("METER_ADDR", "localhost:7070"), "meterd gRPC address")
	fs.StringVar(&g.discover, "discover", "", "resolve meterd through the redis registry under this service name")
	fs.StringVar(&g.redis, "redis", envOr("METER_REDIS", "localhost:6379"), "redis address for enqueue, outcomes and discovery")
	fs.StringVar(&g.queue, "queue", envOr("QUEUE_NAME", "meter:usage"), "usage queue name")
	fs.StringVar(&g.caller, "caller", envOr("METER_CALLER", "meterctl"), "caller id sent to meterd")
	fs.DurationVar(&g.timeout, "timeout", 10*time.Second, "per-command timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watch(ctx, g, rest, out)
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	ctx, _ = meta.Ensure(ctx)

	switch cmd {
	case "charge":
		ev, err := parseEvent(cmd, rest)
		if err != nil {
			return err
		}
		return withClient(ctx, g, func(c *meterrpc.Client) error {
			res, err := c.Charge(ctx, ev)
			if err != nil {
				return err
			}
			return printJSON(out, res)
		})
	case "reset":
		return withClient(ctx, g, func(c *meterrpc.Client) error {
			v, err := c.Reset(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, map[string]int64{"balance": v})
		})
	case "balance":
		return withClient(ctx, g, func(c *meterrpc.Client) error {
			v, err := c.Balance(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, map[string]int64{"balance": v})
		})
	case "enqueue":
		ev, err := parseEvent(cmd, rest)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(&redis.Options{Addr: g.redis})
		defer rdb.Close()
		id, err := worker.NewPublisher(rdb).Enqueue(ctx, g.queue, ev)
		if err != nil {
			return err
		}
		return printJSON(out, map[string]string{"jobId": id, "queue": g.queue})
	case "outcomes":
		fso := flag.NewFlagSet("outcomes", flag.ContinueOnError)
		n := fso.Int64("n", 10, "number of outcomes")
		if err := fso.Parse(rest); err != nil {
			return err
		}
		rdb := redis.NewClient(&redis.Options{Addr: g.redis})
		defer rdb.Close()
		raw, err := rdb.LRange(ctx, worker.OutcomesQueue(g.queue), 0, *n-1).Result()
		if err != nil {
			return err
		}
		outcomes := make([]worker.Outcome, 0, len(raw))
		for _, r := range raw {
			o, err := worker.DecodeOutcome([]byte(r))
			if err != nil {
				return err
			}
			outcomes = append(outcomes, o)
		}
		return printJSON(out, outcomes)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// watch prints alerts as JSON lines until ctx ends.
func watch(ctx context.Context, g globals, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	topic := fs.String("topic", pubsub.DefaultTopic, "alert topic")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: g.redis})
	defer rdb.Close()
	ps, err := pubsub.NewRedisPubSub(rdb)
	if err != nil {
		return err
	}
	defer ps.Close()

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	subCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if _, err := ps.Subscribe(subCtx, *topic, func(_ context.Context, a pubsub.Alert) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(a)
	}); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

func parseEvent(cmd string, args []string) (balance.UsageEvent, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	serviceType := fs.String("type", "", "service type")
	unit := fs.Int64("unit", -1, "units consumed")
	if err := fs.Parse(args); err != nil {
		return balance.UsageEvent{}, err
	}
	ev := balance.UsageEvent{ServiceType: *serviceType}
	// leaving -unit unset sends a missing unit, which meterd rejects
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "unit" {
			ev.Unit = unit
		}
	})
	return ev, nil
}

func withClient(ctx context.Context, g globals, fn func(*meterrpc.Client) error) error {
	target := g.addr
	var dialOpts []grpc.DialOption
	if g.discover != "" {
		rdb := redis.NewClient(&redis.Options{Addr: g.redis})
		defer rdb.Close()
		reg, err := redlb.NewRedisRegistry(rdb)
		if err != nil {
			return err
		}
		defer reg.Close()
		target = redlb.Scheme + ":///" + g.discover
		dialOpts = append(dialOpts, grpc.WithResolvers(redlb.NewBuilder(reg)))
	}

	c, err := meterrpc.Dial(target, dialOpts, meterrpc.WithCaller(g.caller))
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
