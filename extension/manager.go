package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Manager manages the registration and lifecycle of extensions.
type Manager struct {
	mu         sync.RWMutex
	extensions map[string]Extension
	loadOrder  []string        // shutdown runs in reverse
	loaded     map[string]bool // successfully loaded, for shutdown and rollback
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		extensions: make(map[string]Extension),
		loaded:     make(map[string]bool),
	}
}

// Register appends ext to the load order.
func (m *Manager) Register(ext Extension) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ext.Name()
	if _, exists := m.extensions[name]; exists {
		log.Error().Str("extension", name).Msg("attempted to register duplicate extension")
		return fmt.Errorf("%w: %s", ErrExtensionAlreadyRegistered, name)
	}

	m.extensions[name] = ext
	m.loadOrder = append(m.loadOrder, name)
	log.Debug().Str("extension", name).Msg("extension registered")
	return nil
}

// SetLoadOrder replaces the load order. names must list every registered
// extension exactly once.
func (m *Manager) SetLoadOrder(names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(names) != len(m.extensions) {
		return fmt.Errorf("%w (provided: %d, registered: %d)", ErrLoadOrderMismatch, len(names), len(m.extensions))
	}

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, exists := m.extensions[name]; !exists {
			return fmt.Errorf("%w: %s", ErrLoadOrderMissing, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s", ErrLoadOrderDuplicate, name)
		}
		seen[name] = struct{}{}
	}

	m.loadOrder = append([]string(nil), names...)
	log.Info().Strs("load_order", m.loadOrder).Msg("extension load order set")
	return nil
}

// Get returns a registered extension by name.
func (m *Manager) Get(name string) (Extension, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ext, ok := m.extensions[name]
	return ext, ok
}

// LoadAll loads extensions in order. On the first failure it shuts down the
// ones already loaded, in reverse, and returns the load error.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.RLock()
	order := append([]string(nil), m.loadOrder...)
	m.mu.RUnlock()

	loaded := make([]string, 0, len(order))
	for _, name := range order {
		ext, ok := m.Get(name)
		if !ok {
			continue
		}

		startTime := time.Now()
		if err := ext.Load(ctx); err != nil {
			log.Error().Str("extension", name).Dur("duration", time.Since(startTime)).Err(err).Msg("failed to load extension")
			if rbErr := m.shutdown(ctx, loaded, "rollback"); rbErr != nil {
				log.Error().Err(rbErr).Msg("errors occurred during load failure rollback")
			}
			return fmt.Errorf("failed to load extension %s: %w", name, err)
		}

		m.mu.Lock()
		m.loaded[name] = true
		m.mu.Unlock()
		loaded = append(loaded, name)

		log.Info().Str("extension", name).Dur("duration", time.Since(startTime)).Msg("extension loaded successfully")
	}
	return nil
}

// ShutdownAll shuts down every loaded extension in reverse load order,
// continuing past failures. Errors are joined.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.RLock()
	order := append([]string(nil), m.loadOrder...)
	m.mu.RUnlock()

	err := m.shutdown(ctx, order, "shutdown")
	if err != nil {
		log.Warn().Err(err).Msg("shutdown completed with errors")
	}
	return err
}

// shutdown stops the loaded extensions among names, last first.
func (m *Manager) shutdown(ctx context.Context, names []string, phase string) error {
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]

		m.mu.RLock()
		ext, exists := m.extensions[name]
		isLoaded := m.loaded[name]
		m.mu.RUnlock()
		if !exists || !isLoaded {
			continue
		}

		startTime := time.Now()
		if err := ext.Shutdown(ctx); err != nil {
			log.Error().Str("extension", name).Str("phase", phase).Dur("duration", time.Since(startTime)).Err(err).Msg("failed to shut down extension")
			errs = append(errs, fmt.Errorf("failed to shutdown extension %s: %w", name, err))
		} else {
			log.Info().Str("extension", name).Str("phase", phase).Dur("duration", time.Since(startTime)).Msg("extension shut down successfully")
		}

		m.mu.Lock()
		delete(m.loaded, name)
		m.mu.Unlock()
	}
	return errors.Join(errs...)
}
