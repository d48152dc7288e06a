package scheduler

import "time"

// Backoff returns min(max, base * 2^attempts). attempts is the count before
// the retry being scheduled, so the first retry waits base.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
		// overflow guard for absurd attempt counts without a cap
		if d <= 0 {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
