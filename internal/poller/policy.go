package poller

import (
	"time"

	"github.com/synaura/studio-api/internal/config"
)

// IntervalPolicy decides the delay before the next poll from the elapsed
// wall-clock time since the loop started. Keeping it a function makes the
// schedule swappable and testable in isolation.
type IntervalPolicy func(elapsed time.Duration) time.Duration

// BackoffPolicy decides the delay after consecutive transport failures.
type BackoffPolicy func(attempt int) time.Duration

// TieredPolicy polls fast while the provider is likely still warming up,
// then progressively slower, capped at the longest tier. The tiers are
// recomputed from elapsed time every cycle so a delayed poll doesn't shift
// the whole schedule.
func TieredPolicy(cfg config.PollConfig) IntervalPolicy {
	return func(elapsed time.Duration) time.Duration {
		switch {
		case elapsed > 3*time.Minute:
			return cfg.AfterThreeMin
		case elapsed > 2*time.Minute:
			return cfg.AfterTwoMin
		case elapsed > time.Minute:
			return cfg.AfterOneMin
		default:
			return cfg.BaseInterval
		}
	}
}

// LinearBackoff grows the retry delay with the consecutive failure count,
// capped at max. Attempt counts start at 1.
func LinearBackoff(base, max time.Duration) BackoffPolicy {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := time.Duration(attempt) * base
		if d > max {
			return max
		}
		return d
	}
}

// progressFor estimates completion percentage from elapsed time, capped at
// 95 until a terminal status confirms the real outcome.
func progressFor(elapsed, estimate time.Duration) int {
	if estimate <= 0 {
		return 0
	}
	p := int(elapsed * 100 / estimate)
	if p > 95 {
		return 95
	}
	if p < 0 {
		return 0
	}
	return p
}
