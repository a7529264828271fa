// Package retry provides the default exponential RetryStrategy (the
// selective-retry iterator's per-id timing policy) and the whole-sub-
// request RetryEngine (spec §4.6). Both are grounded on the teacher's
// retry.go backoff/jitter calculation and rate_limiter.go's rate.Limiter
// usage.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/czy880816/norbert/src/core"
)

// ExponentialStrategy backs off exponentially from an initial timeout,
// capped at maxTimeout, with jitter to avoid synchronized retries across
// many outstanding ids — the same shape as the teacher's calculateBackoff.
type ExponentialStrategy struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	maxRetries int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewExponentialStrategy creates a core.RetryStrategy. maxRetries <= 0
// means unlimited attempts (bounded only by the caller closing the
// iterator).
func NewExponentialStrategy(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialStrategy {
	if multiplier <= 1.0 {
		multiplier = 2.0
	}
	return &ExponentialStrategy{
		initial:    initial,
		max:        max,
		multiplier: multiplier,
		maxRetries: maxRetries,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *ExponentialStrategy) InitialTimeout() time.Duration {
	return s.initial
}

func (s *ExponentialStrategy) NextTimeout(attempt int) (time.Duration, bool) {
	if s.maxRetries > 0 && attempt >= s.maxRetries {
		return 0, false
	}

	backoff := float64(s.initial) * math.Pow(s.multiplier, float64(attempt))
	s.mu.Lock()
	jitter := 0.5 + s.rng.Float64()*0.5
	s.mu.Unlock()
	backoff *= jitter

	if s.max > 0 && backoff > float64(s.max) {
		backoff = float64(s.max)
	}
	return time.Duration(backoff), true
}

var _ core.RetryStrategy = (*ExponentialStrategy)(nil)
