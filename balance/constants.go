package balance

// Balance defaults.
const (
	DefaultKey     = "account1/balance"
	DefaultBalance = int64(100)
)

// Mode selects how an authorized charge is settled against the store.
type Mode string

// Settlement modes
const (
	// ModeCheckThenAct reads, authorizes and then decrements as three separate
	// store calls. Concurrent callers can all be admitted against the same
	// snapshot and drive the balance negative.
	ModeCheckThenAct Mode = "check-then-act"
	// ModeAtomic performs the sufficiency check and the decrement in a single
	// store-side operation. Requires a store implementing AtomicDebiter.
	ModeAtomic Mode = "atomic"
	// ModeLocked runs the check-then-act sequence while holding a Locker.
	ModeLocked Mode = "locked"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeCheckThenAct, ModeAtomic, ModeLocked:
		return true
	default:
		return false
	}
}
