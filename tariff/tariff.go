// Package tariff holds the static per-unit charge rates for metered services.
package tariff

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Built-in service types.
const (
	ServiceVoice = "voice"
	ServiceData  = "data"
)

var (
	// ErrUnknownServiceType is returned when a service type has no configured rate.
	ErrUnknownServiceType = errors.New("tariff: invalid service type")
	// ErrInvalidUnit is returned for a negative unit or one whose charge
	// does not fit in an int64.
	ErrInvalidUnit = errors.New("tariff: invalid unit")
)

// Table maps service types to per-unit rates. It is immutable once built.
type Table struct {
	rates map[string]int64
}

// Config is the YAML form of a rate table.
type Config struct {
	Rates map[string]int64 `yaml:"rates"`
}

// New builds a Table from the given rates. The map is copied.
func New(rates map[string]int64) (*Table, error) {
	t := &Table{rates: make(map[string]int64, len(rates))}
	for name, rate := range rates {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("tariff: service type name cannot be empty")
		}
		if rate < 0 {
			return nil, fmt.Errorf("tariff: service type '%s' has invalid rate: %d, must not be negative", name, rate)
		}
		if _, dup := t.rates[name]; dup {
			return nil, fmt.Errorf("tariff: duplicate service type: %s", name)
		}
		t.rates[name] = rate
	}
	return t, nil
}

// Default returns the built-in table: voice at 2 and data at 5 per unit.
func Default() *Table {
	return &Table{rates: map[string]int64{
		ServiceVoice: 2,
		ServiceData:  5,
	}}
}

// Table builds the configured table, or the default one when no rates are set.
func (c Config) Table() (*Table, error) {
	if len(c.Rates) == 0 {
		log.Warn().Msg("no tariff rates configured, using default table")
		return Default(), nil
	}
	return New(c.Rates)
}

// Charge returns rate * unit for the service type.
func (t *Table) Charge(serviceType string, unit int64) (int64, error) {
	rate, ok := t.rates[serviceType]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownServiceType, serviceType)
	}
	if unit < 0 {
		return 0, fmt.Errorf("%w: %d is negative", ErrInvalidUnit, unit)
	}
	if rate != 0 && unit > math.MaxInt64/rate {
		return 0, fmt.Errorf("%w: %d units of %q overflow the charge", ErrInvalidUnit, unit, serviceType)
	}
	return rate * unit, nil
}

// Rate returns the per-unit rate for a service type.
func (t *Table) Rate(serviceType string) (int64, bool) {
	rate, ok := t.rates[serviceType]
	return rate, ok
}

// ServiceTypes lists the known service types in sorted order.
func (t *Table) ServiceTypes() []string {
	out := make([]string, 0, len(t.rates))
	for name := range t.rates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
