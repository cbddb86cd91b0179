package limiter

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const defaultIdleTTL = 15 * time.Minute

type memoryEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MemoryStore keeps one x/time/rate limiter per key in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	idleTTL time.Duration
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory throttle store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		idleTTL: defaultIdleTTL,
		now:     time.Now,
	}
}

// Allow implements the Store interface for memory storage.
func (s *MemoryStore) Allow(_ context.Context, key string, r float64, period float64) (bool, error) {
	now := s.now()

	s.mu.Lock()
	ent, ok := s.entries[key]
	if !ok {
		burst := int(math.Ceil(r))
		ent = &memoryEntry{lim: rate.NewLimiter(rate.Limit(r/period), burst)}
		s.entries[key] = ent
	}
	ent.lastSeen = now
	s.mu.Unlock()

	allowed := ent.lim.AllowN(now, 1)
	if !allowed {
		log.Warn().Str("key", key).Float64("rate", r).Float64("period", period).Msg("throttle limit exceeded")
	}
	return allowed, nil
}

// Cleanup drops limiters idle for longer than the idle TTL.
func (s *MemoryStore) Cleanup() int {
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := s.Cleanup(); n > 0 {
					log.Debug().Int("removed", n).Msg("idle throttle entries removed")
				}
			}
		}
	}()
}
