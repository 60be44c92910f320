// Package backoff computes restart delays for the backend supervisor.
package backoff

import "time"

// Next returns the delay to wait before restart attempt number attempt.
// The first attempt (attempt=1) waits base; each further attempt multiplies
// the delay by multiplier, capped at cap. Non-positive inputs are clamped
// so the result is always in [base, cap].
func Next(attempt int, base time.Duration, multiplier float64, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if cap < base {
		cap = base
	}
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if delay >= float64(cap) {
			return cap
		}
	}

	if delay > float64(cap) {
		return cap
	}
	return time.Duration(delay)
}
