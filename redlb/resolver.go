package redlb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/attributes"
	"google.golang.org/grpc/resolver"
)

// Scheme is the target scheme handled by the resolver, as in redlb:///meter.v1.Meter.
const Scheme = "redlb"

type metadataKey struct{}

// instanceMetadata implements Equal so grpc can compare address attributes.
type instanceMetadata map[string]string

func (m instanceMetadata) Equal(o any) bool {
	om, ok := o.(instanceMetadata)
	if !ok || len(om) != len(m) {
		return false
	}
	for k, v := range m {
		if ov, ok := om[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// InstanceMetadata returns the registry metadata attached to a resolved address.
func InstanceMetadata(addr resolver.Address) map[string]string {
	if addr.Attributes == nil {
		return nil
	}
	md, _ := addr.Attributes.Value(metadataKey{}).(instanceMetadata)
	return md
}

// Builder implements resolver.Builder over a Registry.
type Builder struct {
	registry Registry
}

// NewBuilder returns a resolver builder; pass it to grpc.WithResolvers.
func NewBuilder(registry Registry) *Builder {
	return &Builder{registry: registry}
}

// Scheme implements resolver.Builder.
func (b *Builder) Scheme() string {
	return Scheme
}

// Build implements resolver.Builder.
func (b *Builder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	if b.registry == nil {
		return nil, errors.New("resolver builder created with nil registry")
	}
	service := strings.TrimPrefix(target.URL.Path, "/")
	if service == "" {
		return nil, fmt.Errorf("target %q must name a service, as in %s:///service", target.URL.String(), Scheme)
	}

	ctx, cancel := context.WithCancel(context.Background())
	updates, err := b.registry.Watch(ctx, service)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", service, err)
	}

	r := &registryResolver{service: service, cc: cc, cancel: cancel}
	r.wg.Add(1)
	go r.run(updates)
	log.Debug().Str("service", service).Msg("grpc resolver built")
	return r, nil
}

type registryResolver struct {
	service string
	cc      resolver.ClientConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (r *registryResolver) run(updates <-chan []*Instance) {
	defer r.wg.Done()
	for instances := range updates {
		addrs := make([]resolver.Address, 0, len(instances))
		for _, inst := range instances {
			addrs = append(addrs, resolver.Address{
				Addr:       inst.Address,
				Attributes: attributes.New(metadataKey{}, instanceMetadata(inst.Metadata)),
			})
		}
		if len(addrs) == 0 {
			r.cc.ReportError(fmt.Errorf("no live instances of %s", r.service))
			continue
		}
		if err := r.cc.UpdateState(resolver.State{Addresses: addrs}); err != nil {
			log.Warn().Err(err).Str("service", r.service).Msg("failed to update grpc client connection state")
		}
	}
}

// ResolveNow is a no-op; the watcher polls on its own schedule.
func (r *registryResolver) ResolveNow(resolver.ResolveNowOptions) {}

// Close implements resolver.Resolver.
func (r *registryResolver) Close() {
	r.cancel()
	r.wg.Wait()
}
