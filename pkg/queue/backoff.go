package queue

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff derives the delay before a failed task becomes claimable again.
// The n-th retry waits roughly Initial × Multiplier^(n-1), capped at Max and
// spread by ±Jitter (a fraction of the interval).
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff is used when a queue is constructed without one.
var DefaultBackoff = Backoff{
	Initial:    5 * time.Second,
	Max:        10 * time.Minute,
	Multiplier: 2,
	Jitter:     0.2,
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Initial
	eb.MaxInterval = b.Max
	eb.Multiplier = b.Multiplier
	eb.RandomizationFactor = b.Jitter
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = DefaultBackoff.Initial
	}
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	if eb.Multiplier < 1 {
		eb.Multiplier = 1
	}
	eb.Reset()

	var d time.Duration
	for range attempt {
		d = eb.NextBackOff()
	}
	return d
}
