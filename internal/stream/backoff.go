package stream

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: Base doubled per consecutive failed
// attempt, capped at Max, with ±Jitter applied and the result clamped to
// Max. Within one failure streak delays never decrease.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// rand returns a value in [0, 1). Nil uses math/rand/v2.
	rand func() float64

	prev time.Duration
}

// Next returns the delay to sleep before attempt (1-based) of a streak.
func (b *Backoff) Next(attempt int) time.Duration {
	if attempt <= 1 {
		b.prev = 0
	}

	d := b.nominal(attempt)

	r := rand.Float64 //nolint:gosec // G404: jitter has no security impact
	if b.rand != nil {
		r = b.rand
	}

	jittered := time.Duration(float64(d) * (1 + b.Jitter*(2*r()-1)))
	jittered = min(jittered, b.Max)

	// Jitter can pull one attempt below the previous one once the cap is
	// reached. Holding the previous value keeps the streak monotonic and
	// still inside the current band, which is never below the last one.
	jittered = max(jittered, b.prev)
	b.prev = jittered

	return jittered
}

// Reset starts a new failure streak.
func (b *Backoff) Reset() {
	b.prev = 0
}

// Band returns the range a delay for attempt may fall in.
func (b *Backoff) Band(attempt int) (lo, hi time.Duration) {
	d := b.nominal(attempt)

	lo = time.Duration(float64(d) * (1 - b.Jitter))
	hi = min(time.Duration(float64(d)*(1+b.Jitter)), b.Max)

	return lo, hi
}

// nominal is Base * 2^(attempt-1) capped at Max, without overflowing.
func (b *Backoff) nominal(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}

	return min(d, b.Max)
}
