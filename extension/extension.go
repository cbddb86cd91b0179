// Package extension manages the ordered startup and shutdown of the parts
// that make up a running meterd.
package extension

import (
	"context"
	"errors"
)

// Extension is a component with a start and stop phase.
type Extension interface {
	// Name returns the unique name used for registration and ordering.
	Name() string
	// Load starts the extension. It should return once the extension is
	// running, leaving background work to goroutines.
	Load(ctx context.Context) error
	// Shutdown stops the extension, respecting ctx as the deadline.
	Shutdown(ctx context.Context) error
}

var (
	ErrExtensionAlreadyRegistered = errors.New("extension name is already registered")
	ErrLoadOrderMismatch          = errors.New("load order list count does not match registered extensions count")
	ErrLoadOrderMissing           = errors.New("extension specified in load order but not registered")
	ErrLoadOrderDuplicate         = errors.New("duplicate extension name found in load order")
)

// Func adapts plain functions to Extension. Nil functions are no-ops.
type Func struct {
	ID         string
	LoadFn     func(ctx context.Context) error
	ShutdownFn func(ctx context.Context) error
}

func (f Func) Name() string { return f.ID }

func (f Func) Load(ctx context.Context) error {
	if f.LoadFn == nil {
		return nil
	}
	return f.LoadFn(ctx)
}

func (f Func) Shutdown(ctx context.Context) error {
	if f.ShutdownFn == nil {
		return nil
	}
	return f.ShutdownFn(ctx)
}
