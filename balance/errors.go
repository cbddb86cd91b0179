package balance

import (
	"errors"
	"fmt"

	"github.com/toolink/meter/tariff"
)

var (
	// ErrInvalidInput is returned when a usage event is missing fields, has a
	// negative unit or a unit whose charge overflows, and for negative debit amounts.
	ErrInvalidInput = errors.New("balance: invalid input")
	// ErrInvalidServiceType is returned when the service type has no rate.
	ErrInvalidServiceType = tariff.ErrUnknownServiceType
	// ErrStoreUnavailable wraps every failure to reach, read or write the balance store.
	ErrStoreUnavailable = errors.New("balance: store unavailable")
	// ErrModeUnsupported is returned by New when the store or locker cannot serve the mode.
	ErrModeUnsupported = errors.New("balance: settlement mode not supported")
)

// checkAmount rejects negative debit amounts before they reach a store.
func checkAmount(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: debit amount cannot be negative: %d", ErrInvalidInput, amount)
	}
	return nil
}
