// Package backoff computes capped exponential retry delays.
package backoff

import "time"

// Delay returns base doubled attempt times, capped at max. Attempt 0 waits base.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if max > 0 && d >= max {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
