package meter

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryPolicy bounds the query retry loop: exponential backoff from
// initial to max wait, up to attempts tries, re-raising the last
// failure after exhaustion.
type retryPolicy struct {
	initial  time.Duration
	max      time.Duration
	attempts uint64
}

// defaultRetryPolicy matches the meter's tolerance for flaky links:
// 1s base, 15s cap, 15 attempts.
func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		initial:  1 * time.Second,
		max:      15 * time.Second,
		attempts: 15,
	}
}

// retryQuery runs op under the policy. Each failed attempt is reported
// to warn (if non-nil) before the wait. Context cancellation aborts the
// loop between attempts.
//
// The backoff is deterministic (no jitter) so waits are non-decreasing
// up to the cap.
func retryQuery(ctx context.Context, p retryPolicy, warn func(msg string, keysAndValues ...any), op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.MaxInterval = p.max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempt := 0
	notify := func(err error, wait time.Duration) {
		attempt++
		if warn != nil {
			warn("query failed, retrying",
				"attempt", attempt,
				"wait", wait.String(),
				"error", err)
		}
	}

	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, p.attempts-1), ctx), notify)
}
