// Package retry re-runs idempotent steps that failed with a transient store error.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperrors "familynet/backend/pkg/errors"
)

// Do runs op up to attempts times with exponential backoff starting at
// initial. Only errors apperrors.IsRetryable accepts are retried; anything
// else is returned at once.
func Do(ctx context.Context, attempts int, initial time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if initial > 0 {
		b.InitialInterval = initial
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !apperrors.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
	return err
}
