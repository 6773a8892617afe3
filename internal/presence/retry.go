/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package presence

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func newBackoff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = maxElapsed
	return b
}

// retry runs op with exponential backoff until it succeeds, returns a
// backoff.Permanent error, maxElapsed passes or ctx ends. A zero maxElapsed
// retries until ctx ends.
func retry(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(newBackoff(maxElapsed), ctx))
}
