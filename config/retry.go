package config

import (
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy controls how a single page fetch is retried.
type RetryPolicy struct {
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	Jitter            time.Duration
	RateLimitCooldown time.Duration
	CooldownJitter    time.Duration
}

// DefaultRetryPolicy mirrors the pacing that kept the listing hosts from
// blocking: seconds of backoff, close to a minute of cooldown.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       4,
		BaseBackoff:       time.Second,
		MaxBackoff:        30 * time.Second,
		Jitter:            500 * time.Millisecond,
		RateLimitCooldown: 45 * time.Second,
		CooldownJitter:    15 * time.Second,
	}
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if p.BaseBackoff < 0 {
		return fmt.Errorf("base backoff cannot be negative")
	}
	if p.MaxBackoff < 0 {
		return fmt.Errorf("max backoff cannot be negative")
	}
	if p.MaxBackoff > 0 && p.BaseBackoff > p.MaxBackoff {
		return fmt.Errorf("base backoff (%s) cannot exceed max backoff (%s)", p.BaseBackoff, p.MaxBackoff)
	}
	if p.Jitter < 0 || p.CooldownJitter < 0 {
		return fmt.Errorf("jitter cannot be negative")
	}
	if p.RateLimitCooldown < 0 {
		return fmt.Errorf("rate limit cooldown cannot be negative")
	}
	return nil
}

// Backoff returns the jitter-free wait after the given zero-based failed
// attempt: base * 2^attempt, capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.BaseBackoff
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
		if delay <= 0 {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// Delay is Backoff plus a random jitter in [0, Jitter).
func (p RetryPolicy) Delay(attempt int, rnd *rand.Rand) time.Duration {
	return p.Backoff(attempt) + randomUpTo(rnd, p.Jitter)
}

// Cooldown is the wait after a rate-limit signal. It is never shorter than
// the longest regular backoff.
func (p RetryPolicy) Cooldown(rnd *rand.Rand) time.Duration {
	d := p.RateLimitCooldown
	if d < p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d + randomUpTo(rnd, p.CooldownJitter)
}

func randomUpTo(rnd *rand.Rand, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if rnd == nil {
		return time.Duration(rand.Int63n(int64(max)))
	}
	return time.Duration(rnd.Int63n(int64(max)))
}
