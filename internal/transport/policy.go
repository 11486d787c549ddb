package transport

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy governs dial retries, reconnection backoff and the circuit
// breaker.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	MaxAttempts int

	// BreakerThreshold consecutive failed episodes open the breaker for
	// BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	PingInterval time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         8 * time.Second,
		Jitter:           0.2,
		MaxAttempts:      5,
		BreakerThreshold: 3,
		BreakerCooldown:  30 * time.Second,
		PingInterval:     5 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = d.Jitter
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BreakerThreshold <= 0 {
		p.BreakerThreshold = d.BreakerThreshold
	}
	if p.BreakerCooldown <= 0 {
		p.BreakerCooldown = d.BreakerCooldown
	}
	if p.PingInterval <= 0 {
		p.PingInterval = d.PingInterval
	}
	return p
}

// Backoff returns the delay after the n-th consecutive failure (n >= 1):
// BaseDelay doubled n-1 times, capped at MaxDelay, then reduced by a random
// fraction of up to Jitter. rnd returns values in [0, 1).
func (p RetryPolicy) Backoff(n int, rnd func() float64) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		if rnd == nil {
			rnd = rand.Float64
		}
		d -= time.Duration(float64(d) * p.Jitter * rnd())
	}
	return d
}

type breaker struct {
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
}

func (b *breaker) allow(now time.Time) bool {
	return !now.Before(b.openUntil)
}

func (b *breaker) success() {
	b.failures = 0
	b.openUntil = time.Time{}
}

// failure records a failed episode and reports whether the breaker opened.
func (b *breaker) failure(now time.Time) bool {
	b.failures++
	if b.failures >= b.threshold {
		b.failures = 0
		b.openUntil = now.Add(b.cooldown)
		return true
	}
	return false
}
