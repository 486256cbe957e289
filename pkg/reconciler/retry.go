package reconciler

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/surrealdb/surrealcollab/pkg/store"
)

const (
	DefaultRetryInitial    = 500 * time.Millisecond
	DefaultRetryMultiplier = 2.0
	DefaultRetryJitter     = 0.3
)

// Backoff paces retries of failed saves. The zero value retries forever starting
// at DefaultRetryInitial, doubling with jitter, and never waits longer than the
// reconciler's MaxStaleness.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64

	// Max caps the delay. Zero, or anything above MaxStaleness, means MaxStaleness.
	Max time.Duration

	// MaxRetries is the number of consecutive failures after which the
	// reconciler stops retrying until the next change. Zero retries forever.
	MaxRetries int

	// Jitter is the maximum jitter as a fraction of the delay. Zero disables it.
	Jitter float64

	// Rand returns a number in [0, 1) for jitter. Defaults to math/rand.
	Rand func() float64
}

// FixedBackoff retries after the same delay every time.
func FixedBackoff(delay time.Duration, maxRetries int) Backoff {
	return Backoff{Initial: delay, Multiplier: 1, Max: delay, MaxRetries: maxRetries}
}

func (b Backoff) withDefaults(maxStaleness time.Duration) Backoff {
	if b.Multiplier == 0 {
		b.Initial = DefaultRetryInitial
		b.Multiplier = DefaultRetryMultiplier
		b.Jitter = DefaultRetryJitter
	}
	if b.Max <= 0 || b.Max > maxStaleness {
		b.Max = maxStaleness
	}
	if b.Initial > b.Max {
		b.Initial = b.Max
	}
	if b.Rand == nil {
		//nolint:gosec // jitter only
		b.Rand = rand.Float64
	}
	return b
}

// retries counts the consecutive failed saves of one document.
type retries struct {
	policy   Backoff
	failures int
}

// next returns the delay before retrying after err, or false once MaxRetries
// consecutive failures have been seen. A read-only store is waited out at the
// maximum delay and does not count as a failure: writes resume once an operator
// lifts the freeze.
func (r *retries) next(err error) (time.Duration, bool) {
	p := r.policy
	if errors.Is(err, store.ErrReadOnly) {
		return p.Max, true
	}
	if p.MaxRetries > 0 && r.failures >= p.MaxRetries {
		return 0, false
	}
	delay := float64(p.Initial) * math.Pow(p.Multiplier, float64(r.failures))
	r.failures++
	if p.Jitter > 0 {
		delay += delay * p.Jitter * (2*p.Rand() - 1)
	}
	return time.Duration(math.Max(0, math.Min(delay, float64(p.Max)))), true
}

// count is the number of failures since the last reset.
func (r *retries) count() int { return r.failures }

func (r *retries) reset() { r.failures = 0 }
