package balance

import "context"

// Store is the contract the accounting core requires of the balance store.
// Errors returned by implementations wrap ErrStoreUnavailable, except a
// negative debit amount, which is rejected with ErrInvalidInput before any I/O.
type Store interface {
	// Read returns the current balance, or 0 when the key does not exist.
	Read(ctx context.Context) (int64, error)
	// Write sets the balance to an absolute value.
	Write(ctx context.Context, value int64) error
	// Decrement atomically subtracts amount and returns the new balance.
	// A missing key is treated as 0; the result may be negative.
	Decrement(ctx context.Context, amount int64) (int64, error)
}

// AtomicDebiter is implemented by stores that can check sufficiency and
// debit in one indivisible operation.
type AtomicDebiter interface {
	// DebitIfSufficient subtracts amount only if the balance covers it.
	// It returns the balance after the operation and whether the debit happened.
	DebitIfSufficient(ctx context.Context, amount int64) (balance int64, ok bool, err error)
}

// Locker serializes charge sequences across processes for ModeLocked.
type Locker interface {
	// Lock blocks until the lock is held or ctx ends. The returned release
	// function must be called exactly once.
	Lock(ctx context.Context) (release func(context.Context) error, err error)
}
