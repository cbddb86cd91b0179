package balance

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"
)

// MemoryStore keeps the balance in process memory. It is meant for tests and
// single-instance deployments.
type MemoryStore struct {
	mu    sync.Mutex
	value int64
	set   bool
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ AtomicDebiter = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store. The balance reads as 0
// until written.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Read implements Store.
func (s *MemoryStore) Read(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

// Write implements Store.
func (s *MemoryStore) Write(_ context.Context, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	s.set = true
	log.Debug().Int64("balance", value).Msg("memory balance written")
	return nil
}

// Decrement implements Store.
func (s *MemoryStore) Decrement(_ context.Context, amount int64) (int64, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value < math.MinInt64+amount {
		return 0, fmt.Errorf("%w: decrement by %d would overflow", ErrStoreUnavailable, amount)
	}
	s.value -= amount
	s.set = true
	return s.value, nil
}

// DebitIfSufficient implements AtomicDebiter.
func (s *MemoryStore) DebitIfSufficient(_ context.Context, amount int64) (int64, bool, error) {
	if err := checkAmount(amount); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !Authorize(s.value, amount) {
		return s.value, false, nil
	}
	s.value -= amount
	s.set = true
	return s.value, true, nil
}

// Exists reports whether the balance was ever written.
func (s *MemoryStore) Exists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}
