package retrypolicy

import (
	"math/rand"
	"time"
)

func defaultRandomFloat64() float64 {
	return rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
}

// BackoffOptions configures calculateBackoff (spec §4.7).
type BackoffOptions struct {
	BaseDelayMs int64
	MaxDelayMs  int64
	Jitter      bool

	// RandomFloat64 returns a value in [0,1); injectable for deterministic
	// tests. Defaults to a package-level source if nil.
	RandomFloat64 func() float64
}

// DefaultBackoffOptions matches the spec's stated defaults.
func DefaultBackoffOptions() BackoffOptions {
	return BackoffOptions{
		BaseDelayMs: 1000,
		MaxDelayMs:  30000,
		Jitter:      true,
	}
}

func (o BackoffOptions) sanitize() BackoffOptions {
	if o.BaseDelayMs <= 0 {
		o.BaseDelayMs = 1000
	}
	if o.MaxDelayMs <= 0 {
		o.MaxDelayMs = 30000
	}
	return o
}

// CalculateBackoff returns min(base*2^attempt, max) plus, if Jitter is
// set, a random amount in [0, 25%*capped].
func CalculateBackoff(attempt int, opts BackoffOptions) time.Duration {
	opts = opts.sanitize()

	base := opts.BaseDelayMs
	for i := 0; i < attempt; i++ {
		base *= 2
		if base > opts.MaxDelayMs {
			base = opts.MaxDelayMs
			break
		}
	}
	capped := base
	if capped > opts.MaxDelayMs {
		capped = opts.MaxDelayMs
	}

	total := capped
	if opts.Jitter {
		randFn := opts.RandomFloat64
		if randFn == nil {
			randFn = defaultRandomFloat64
		}
		jitterRange := float64(capped) * 0.25
		total = capped + int64(randFn()*jitterRange)
	}

	return time.Duration(total) * time.Millisecond
}
