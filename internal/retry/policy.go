// Package retry decides when a failed task runs again.
//
// The delay after the n-th failed attempt is
//
//	min(Initial * Multiplier^(n-1), Max) * U(1-Jitter, 1+Jitter)
//
// so the jittered value may exceed Max by at most the jitter fraction.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func Default() Policy {
	return Policy{
		Initial:    30 * time.Second,
		Max:        30 * time.Minute,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

func (p Policy) normalized() Policy {
	d := Default()
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Backoff returns the delay before the next run of a task that has failed
// attempts times.
func (p Policy) Backoff(attempts int) time.Duration {
	p = p.normalized()
	if attempts < 1 {
		attempts = 1
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Initial,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.Max,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// NextRun returns the time a task failed attempts times becomes due again.
func (p Policy) NextRun(now time.Time, attempts int) time.Time {
	return now.Add(p.Backoff(attempts))
}

// Exhausted reports whether attempts used up the task's budget.
func Exhausted(attempts, maxAttempts int) bool {
	return attempts >= maxAttempts
}
