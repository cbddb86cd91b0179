package pubsub

import (
	"context"
	"time"

	"github.com/toolink/meter/balance"
	"github.com/toolink/meter/meta"
)

const alertPublishTimeout = 2 * time.Second

// Meter is the set of balance operations an Alerter observes.
type Meter interface {
	Charge(ctx context.Context, ev balance.UsageEvent) (balance.ChargeResult, error)
	Reset(ctx context.Context) (int64, error)
	Balance(ctx context.Context) (int64, error)
}

// Alerter wraps a Meter and publishes an Alert when a charge is denied, when
// a charge takes the balance below the threshold, and on every reset.
// Publishing failures are logged and never change the wrapped result.
type Alerter struct {
	next      Meter
	ps        PubSub
	topic     string
	threshold int64
	now       func() time.Time
}

// NewAlerter creates an Alerter publishing on topic. A threshold of 0 only
// reports balances that go negative.
func NewAlerter(next Meter, ps PubSub, topic string, threshold int64) *Alerter {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Alerter{next: next, ps: ps, topic: topic, threshold: threshold, now: time.Now}
}

// Charge charges ev through the wrapped Meter.
func (a *Alerter) Charge(ctx context.Context, ev balance.UsageEvent) (balance.ChargeResult, error) {
	res, err := a.next.Charge(ctx, ev)
	if err != nil {
		return res, err
	}

	alert := Alert{
		Balance:     res.RemainingBalance,
		Threshold:   a.threshold,
		Charges:     res.Charges,
		ServiceType: ev.ServiceType,
	}
	switch {
	case !res.IsAuthorized:
		alert.Kind = KindDenied
	case res.RemainingBalance < a.threshold && res.RemainingBalance+res.Charges >= a.threshold:
		alert.Kind = KindLowBalance
	default:
		return res, nil
	}
	a.publish(ctx, alert)
	return res, nil
}

// Reset resets through the wrapped Meter.
func (a *Alerter) Reset(ctx context.Context) (int64, error) {
	v, err := a.next.Reset(ctx)
	if err != nil {
		return v, err
	}
	a.publish(ctx, Alert{Kind: KindReset, Balance: v})
	return v, nil
}

// Balance reads through the wrapped Meter.
func (a *Alerter) Balance(ctx context.Context) (int64, error) {
	return a.next.Balance(ctx)
}

func (a *Alerter) publish(ctx context.Context, alert Alert) {
	md := meta.FromContext(ctx)
	alert.RequestID = md.RequestID
	alert.Caller = md.Caller
	alert.At = a.now().UTC()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertPublishTimeout)
	defer cancel()
	if err := a.ps.Publish(pctx, a.topic, alert); err != nil {
		meta.Logger(ctx).Warn().Err(err).Str("kind", alert.Kind).Str("topic", a.topic).Msg("failed to publish balance alert")
	}
}
