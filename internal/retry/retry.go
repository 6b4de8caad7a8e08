// Package retry provides bounded exponential backoff for calls to the
// billing provider.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn up to maxAttempts times, sleeping baseDelay, then twice that,
// and so on, each with +-25% jitter. It returns early on success, on an
// error wrapped with Permanent, or when ctx is done.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxInterval = 30 * baseDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxAttempts)))
	return err
}
