package balance

import (
	"context"
	"errors"
	"fmt"

	"github.com/toolink/meter/meta"
	"github.com/toolink/meter/tariff"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTariff sets the rate table (default tariff.Default()).
func WithTariff(t *tariff.Table) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tariff = t
		}
	}
}

// WithDefaultBalance sets the value written by Reset (default 100).
func WithDefaultBalance(v int64) Option {
	return func(c *Coordinator) { c.defaultBalance = v }
}

// WithMode selects the settlement mode (default ModeCheckThenAct).
func WithMode(m Mode) Option {
	return func(c *Coordinator) {
		if m != "" {
			c.mode = m
		}
	}
}

// WithLocker sets the lock used by ModeLocked.
func WithLocker(l Locker) Option {
	return func(c *Coordinator) { c.locker = l }
}

// Coordinator runs charge and reset operations against a single balance.
//
// In the default ModeCheckThenAct the balance read, the authorization and the
// decrement are separate store calls with no lock held between them. Two
// concurrent charges can both be authorized against the same snapshot and
// both decrement, so the stored balance can go negative. This is accepted
// behavior of that mode; ModeAtomic and ModeLocked close the gap.
type Coordinator struct {
	store          Store
	tariff         *tariff.Table
	defaultBalance int64
	mode           Mode
	locker         Locker
	debiter        AtomicDebiter
}

// New builds a Coordinator over store.
func New(store Store, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("balance: store is required")
	}
	c := &Coordinator{
		store:          store,
		tariff:         tariff.Default(),
		defaultBalance: DefaultBalance,
		mode:           ModeCheckThenAct,
	}
	for _, opt := range opts {
		opt(c)
	}

	switch c.mode {
	case ModeCheckThenAct:
	case ModeAtomic:
		d, ok := store.(AtomicDebiter)
		if !ok {
			return nil, fmt.Errorf("%w: %s requires a store with atomic debit, got %T", ErrModeUnsupported, c.mode, store)
		}
		c.debiter = d
	case ModeLocked:
		if c.locker == nil {
			return nil, fmt.Errorf("%w: %s requires a locker", ErrModeUnsupported, c.mode)
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrModeUnsupported, c.mode)
	}
	return c, nil
}

// Mode returns the settlement mode.
func (c *Coordinator) Mode() Mode {
	return c.mode
}

// DefaultBalance returns the value Reset writes.
func (c *Coordinator) DefaultBalance() int64 {
	return c.defaultBalance
}

// Charge computes the charge for ev, authorizes it against the current
// balance and, when authorized, debits the store.
//
// Validation failures return ErrInvalidInput before the store is touched, as
// does a unit whose charge would overflow an int64. An unknown service type returns ErrInvalidServiceType and never mutates the
// store. Store failures return ErrStoreUnavailable. A denial is not an error.
func (c *Coordinator) Charge(ctx context.Context, ev UsageEvent) (ChargeResult, error) {
	logger := meta.Logger(ctx)

	if err := ev.Validate(); err != nil {
		logger.Debug().Err(err).Msg("rejected usage event")
		return ChargeResult{}, err
	}

	switch c.mode {
	case ModeAtomic:
		return c.chargeAtomic(ctx, ev)
	case ModeLocked:
		return c.chargeLocked(ctx, ev)
	default:
		return c.chargeCheckThenAct(ctx, ev)
	}
}

// chargeCheckThenAct is read → compute → authorize → decrement. The returned
// remaining balance is derived from the snapshot, not re-read.
func (c *Coordinator) chargeCheckThenAct(ctx context.Context, ev UsageEvent) (ChargeResult, error) {
	balance, err := c.read(ctx)
	if err != nil {
		return ChargeResult{}, err
	}
	charge, err := c.computeCharge(ctx, ev)
	if err != nil {
		return ChargeResult{}, err
	}
	return c.settle(ctx, ev, balance, charge)
}

func (c *Coordinator) read(ctx context.Context) (int64, error) {
	balance, err := c.store.Read(ctx)
	if err != nil {
		meta.Logger(ctx).Error().Err(err).Msg("failed to retrieve balance")
		return 0, fmt.Errorf("retrieve balance: %w", err)
	}
	return balance, nil
}

// computeCharge prices ev. A unit the tariff rejects is an input error.
func (c *Coordinator) computeCharge(ctx context.Context, ev UsageEvent) (int64, error) {
	charge, err := c.tariff.Charge(ev.ServiceType, *ev.Unit)
	if err != nil {
		meta.Logger(ctx).Warn().Err(err).Str("service_type", ev.ServiceType).Int64("unit", *ev.Unit).Msg("charge computation failed")
		if errors.Is(err, tariff.ErrInvalidUnit) {
			return 0, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return 0, err
	}
	return charge, nil
}

// settle authorizes charge against the balance snapshot and decrements the
// store when admitted.
func (c *Coordinator) settle(ctx context.Context, ev UsageEvent, balance, charge int64) (ChargeResult, error) {
	logger := meta.Logger(ctx)

	if !Authorize(balance, charge) {
		logger.Info().Str("service_type", ev.ServiceType).Int64("unit", *ev.Unit).Int64("balance", balance).Int64("charge", charge).Msg("charge denied, insufficient balance")
		return ChargeResult{RemainingBalance: balance, Charges: 0, IsAuthorized: false}, nil
	}

	if _, err := c.store.Decrement(ctx, charge); err != nil {
		logger.Error().Err(err).Int64("charge", charge).Msg("failed to charge balance")
		return ChargeResult{}, fmt.Errorf("charge balance: %w", err)
	}

	logger.Debug().Str("service_type", ev.ServiceType).Int64("unit", *ev.Unit).Int64("balance", balance).Int64("charge", charge).Msg("charge authorized")
	return ChargeResult{RemainingBalance: balance - charge, Charges: charge, IsAuthorized: true}, nil
}

// chargeAtomic lets the store check and debit in one operation.
func (c *Coordinator) chargeAtomic(ctx context.Context, ev UsageEvent) (ChargeResult, error) {
	logger := meta.Logger(ctx)

	charge, err := c.computeCharge(ctx, ev)
	if err != nil {
		return ChargeResult{}, err
	}

	balance, ok, err := c.debiter.DebitIfSufficient(ctx, charge)
	if err != nil {
		logger.Error().Err(err).Int64("charge", charge).Msg("failed to debit balance")
		return ChargeResult{}, fmt.Errorf("debit balance: %w", err)
	}
	if !ok {
		logger.Info().Str("service_type", ev.ServiceType).Int64("balance", balance).Int64("charge", charge).Msg("charge denied, insufficient balance")
		return ChargeResult{RemainingBalance: balance, Charges: 0, IsAuthorized: false}, nil
	}

	logger.Debug().Str("service_type", ev.ServiceType).Int64("remaining", balance).Int64("charge", charge).Msg("charge authorized")
	return ChargeResult{RemainingBalance: balance, Charges: charge, IsAuthorized: true}, nil
}

// chargeLocked prices ev, then reads and settles under the locker. Unknown
// types and invalid units are rejected before the lock is taken.
func (c *Coordinator) chargeLocked(ctx context.Context, ev UsageEvent) (ChargeResult, error) {
	logger := meta.Logger(ctx)

	charge, err := c.computeCharge(ctx, ev)
	if err != nil {
		return ChargeResult{}, err
	}

	release, err := c.locker.Lock(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to acquire balance lock")
		return ChargeResult{}, fmt.Errorf("%w: acquire lock: %w", ErrStoreUnavailable, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Msg("failed to release balance lock")
		}
	}()

	balance, err := c.read(ctx)
	if err != nil {
		return ChargeResult{}, err
	}
	return c.settle(ctx, ev, balance, charge)
}

// Reset writes the default balance and returns it.
func (c *Coordinator) Reset(ctx context.Context) (int64, error) {
	if err := c.store.Write(ctx, c.defaultBalance); err != nil {
		meta.Logger(ctx).Error().Err(err).Msg("failed to reset balance")
		return 0, fmt.Errorf("reset balance: %w", err)
	}
	meta.Logger(ctx).Info().Int64("balance", c.defaultBalance).Msg("balance reset")
	return c.defaultBalance, nil
}

// Balance returns the current stored balance.
func (c *Coordinator) Balance(ctx context.Context) (int64, error) {
	return c.read(ctx)
}
