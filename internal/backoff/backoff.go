// Package backoff computes jittered exponential retry delays and runs retry
// loops bounded by a context.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy describes an exponential backoff. The zero value uses the defaults.
type Policy struct {
	Base   time.Duration // first delay, default 250ms
	Factor float64       // growth per attempt, default 2
	Max    time.Duration // cap before jitter, default 30s
	Jitter float64       // +/- fraction applied to each delay, default 0.2
}

// Default is 250ms doubling to 30s with 20% jitter.
var Default = Policy{Base: 250 * time.Millisecond, Factor: 2, Max: 30 * time.Second, Jitter: 0.2}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = Default.Base
	}
	if p.Factor < 1 {
		p.Factor = Default.Factor
	}
	if p.Max <= 0 {
		p.Max = Default.Max
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = Default.Jitter
	}
	return p
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := float64(p.Base)
	for i := 0; i < attempt && d < float64(p.Max); i++ {
		d *= p.Factor
	}
	d = min(d, float64(p.Max))
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, ctx ends, or fn's error is rejected by
// retryable. onRetry, when set, observes each failure before the wait.
func (p Policy) Retry(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool, onRetry func(attempt int, err error, wait time.Duration)) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		wait := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
