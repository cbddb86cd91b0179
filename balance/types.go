// Package balance implements the prepaid balance accounting core: charge
// computation, authorization against a shared balance and the debit/reset
// operations on the backing store.
package balance

import (
	"fmt"
	"strings"
)

// UsageEvent is a single metered usage to be charged.
// A nil Unit means the field was not supplied.
type UsageEvent struct {
	ServiceType string `json:"serviceType"`
	Unit        *int64 `json:"unit"`
}

// NewUsageEvent builds a UsageEvent with the unit set.
func NewUsageEvent(serviceType string, unit int64) UsageEvent {
	return UsageEvent{ServiceType: serviceType, Unit: &unit}
}

// Validate checks required fields and ranges.
func (e UsageEvent) Validate() error {
	if strings.TrimSpace(e.ServiceType) == "" || e.Unit == nil {
		return fmt.Errorf("%w: missing serviceType or unit", ErrInvalidInput)
	}
	if *e.Unit < 0 {
		return fmt.Errorf("%w: unit cannot be negative: %d", ErrInvalidInput, *e.Unit)
	}
	return nil
}

// ChargeResult is the outcome of a charge. A denial is a normal result with
// IsAuthorized false and zero Charges.
type ChargeResult struct {
	RemainingBalance int64 `json:"remainingBalance"`
	Charges          int64 `json:"charges"`
	IsAuthorized     bool  `json:"isAuthorized"`
}
