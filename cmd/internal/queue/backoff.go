package queue

import (
	"math/rand"
	"time"
)

// BackoffConfig controls retry delays: exponential from InitialDelay, capped at MaxDelay,
// plus up to 50% jitter.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     5 * time.Minute,
	}
}

// Delay returns the wait before the next delivery after the given failed attempt (1-based).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	d := DefaultBackoff()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := c.InitialDelay
	for i := 1; i < attempt && delay < c.MaxDelay; i++ {
		delay *= 2
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if half := int64(delay) / 2; half > 0 {
		delay += time.Duration(rand.Int63n(half))
	}
	return delay
}
