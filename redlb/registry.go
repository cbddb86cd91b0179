// Package redlb registers meterd instances in Redis and resolves them for
// gRPC clients under the redlb:/// scheme, so several instances sharing one
// balance store can be load balanced.
package redlb

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Instance is one reachable server for a service.
type Instance struct {
	ID       string            `json:"id"`
	Service  string            `json:"service"`
	Address  string            `json:"address"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (i *Instance) String() string {
	return fmt.Sprintf("%s/%s@%s", i.Service, i.ID, i.Address)
}

// Registry registers and discovers service instances.
type Registry interface {
	// Register publishes inst and keeps it alive until the returned
	// deregister function is called or the registry is closed.
	Register(ctx context.Context, inst *Instance) (deregister func(context.Context) error, err error)
	// Discover lists the live instances of service.
	Discover(ctx context.Context, service string) ([]*Instance, error)
	// Watch emits the instance list whenever it changes, until ctx ends.
	Watch(ctx context.Context, service string) (<-chan []*Instance, error)
	// Close stops every heartbeat started by this registry.
	Close() error
}

// fingerprint identifies an instance set regardless of order.
func fingerprint(instances []*Instance) string {
	parts := make([]string, 0, len(instances))
	for _, inst := range instances {
		parts = append(parts, inst.ID+"@"+inst.Address)
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}
