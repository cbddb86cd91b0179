package redlb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisRegistry keeps each instance under its own expiring key and indexes
// the ids of a service in a set. Ids whose key expired are pruned on Discover.
type RedisRegistry struct {
	opts   options
	client redis.Cmdable

	mu         sync.Mutex
	heartbeats map[string]chan struct{} // instance key -> stop
}

// NewRedisRegistry creates a registry on client. The client is not closed by Close.
func NewRedisRegistry(client redis.Cmdable, opts ...Option) (*RedisRegistry, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	o := newOptions(opts...)
	log.Debug().Str("prefix", o.keyPrefix).Dur("ttl", o.ttl).Dur("heartbeat", o.heartbeatInterval).Msg("redis registry initialized")
	return &RedisRegistry{
		opts:       o,
		client:     client,
		heartbeats: make(map[string]chan struct{}),
	}, nil
}

func (r *RedisRegistry) indexKey(service string) string {
	return fmt.Sprintf("%s:%s:instances", r.opts.keyPrefix, service)
}

func (r *RedisRegistry) instanceKey(service, id string) string {
	return fmt.Sprintf("%s:%s:instance:%s", r.opts.keyPrefix, service, id)
}

func (r *RedisRegistry) write(ctx context.Context, inst *Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.instanceKey(inst.Service, inst.ID), data, r.opts.ttl)
		p.SAdd(ctx, r.indexKey(inst.Service), inst.ID)
		return nil
	})
	return err
}

// Register implements Registry.
func (r *RedisRegistry) Register(ctx context.Context, inst *Instance) (func(context.Context) error, error) {
	if inst.Service == "" || inst.Address == "" {
		return nil, errors.New("instance service and address are required")
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}

	if err := r.write(ctx, inst); err != nil {
		log.Error().Err(err).Stringer("instance", inst).Msg("failed to register instance")
		return nil, fmt.Errorf("register instance: %w", err)
	}

	key := r.instanceKey(inst.Service, inst.ID)
	stop := make(chan struct{})
	r.mu.Lock()
	if old, ok := r.heartbeats[key]; ok {
		close(old)
	}
	r.heartbeats[key] = stop
	r.mu.Unlock()

	go r.keepAlive(inst, stop)

	log.Info().Stringer("instance", inst).Dur("ttl", r.opts.ttl).Msg("instance registered")
	return func(ctx context.Context) error { return r.deregister(ctx, inst) }, nil
}

func (r *RedisRegistry) keepAlive(inst *Instance, stop <-chan struct{}) {
	key := r.instanceKey(inst.Service, inst.ID)
	ticker := time.NewTicker(r.opts.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.heartbeatInterval)
			renewed, err := r.client.Expire(ctx, key, r.opts.ttl).Result()
			switch {
			case err != nil:
				log.Error().Err(err).Stringer("instance", inst).Msg("heartbeat failed to renew ttl")
			case !renewed:
				log.Warn().Stringer("instance", inst).Msg("instance key expired, re-registering")
				if err := r.write(ctx, inst); err != nil {
					log.Error().Err(err).Stringer("instance", inst).Msg("failed to re-register expired instance")
				}
			}
			cancel()
		}
	}
}

func (r *RedisRegistry) deregister(ctx context.Context, inst *Instance) error {
	key := r.instanceKey(inst.Service, inst.ID)

	r.mu.Lock()
	if stop, ok := r.heartbeats[key]; ok {
		close(stop)
		delete(r.heartbeats, key)
	}
	r.mu.Unlock()

	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.SRem(ctx, r.indexKey(inst.Service), inst.ID)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Stringer("instance", inst).Msg("failed to deregister instance")
		return fmt.Errorf("deregister instance: %w", err)
	}
	log.Info().Stringer("instance", inst).Msg("instance deregistered")
	return nil
}

// Discover implements Registry.
func (r *RedisRegistry) Discover(ctx context.Context, service string) ([]*Instance, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey(service)).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances of %s: %w", service, err)
	}
	if len(ids) == 0 {
		return []*Instance{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.instanceKey(service, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch instances of %s: %w", service, err)
	}

	instances := make([]*Instance, 0, len(values))
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var inst Instance
		if err := json.Unmarshal([]byte(s), &inst); err != nil {
			log.Warn().Err(err).Str("key", keys[i]).Msg("failed to unmarshal instance data, skipping")
			continue
		}
		instances = append(instances, &inst)
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, r.indexKey(service), stale...).Err(); err != nil {
			log.Warn().Err(err).Str("service", service).Msg("failed to prune expired instances")
		}
	}
	return instances, nil
}

// Watch implements Registry by polling Discover.
func (r *RedisRegistry) Watch(ctx context.Context, service string) (<-chan []*Instance, error) {
	initial, err := r.Discover(ctx, service)
	if err != nil {
		return nil, err
	}

	ch := make(chan []*Instance, 1)
	ch <- initial

	go func() {
		defer close(ch)
		ticker := time.NewTicker(r.opts.watchInterval)
		defer ticker.Stop()
		last := fingerprint(initial)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				current, err := r.Discover(ctx, service)
				if err != nil {
					log.Warn().Err(err).Str("service", service).Msg("watcher failed discovery during poll")
					continue
				}
				fp := fingerprint(current)
				if fp == last {
					continue
				}
				// drop a stale pending update in favour of the newest one
				select {
				case <-ch:
				default:
				}
				ch <- current
				last = fp
				log.Debug().Str("service", service).Int("count", len(current)).Msg("watcher detected change")
			}
		}
	}()
	return ch, nil
}

// Close implements Registry.
func (r *RedisRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, stop := range r.heartbeats {
		close(stop)
		delete(r.heartbeats, key)
	}
	return nil
}
