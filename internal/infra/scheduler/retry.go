package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ─── Retry Backoff ──────────────────────────────────────────────────────────
// A failed task goes back to the queue tail with ScheduledFor pushed out by
// an exponential delay: base * 2^(attempt-1), capped at max. The delay only
// gates eligibility; queue position is still the tail.

// retryDelay returns the wait before retry number attempt (1-based).
// A zero base means retries are eligible immediately; a zero max leaves the
// growth uncapped for practical purposes.
func retryDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxDelay
	if maxDelay <= 0 {
		b.MaxInterval = 24 * time.Hour
	}
	b.MaxElapsedTime = 0
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
