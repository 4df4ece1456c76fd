package tcia

import (
	"context"
	"time"
)

// RetryPolicy controls how transient archive failures are retried. It is
// injected into the client so callers (and tests) decide the policy rather
// than the client hard-coding one.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// Backoff returns the wait before the given retry. attempt counts from 1
	// for the first retry.
	Backoff func(attempt int) time.Duration
}

// DefaultRetryPolicy retries transient failures up to maxAttempts times with
// exponential backoff starting at one second.
func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff: func(attempt int) time.Duration {
			return time.Second << (attempt - 1)
		},
	}
}

// do runs op under the policy, retrying only transient failures. Context
// cancellation wins over a pending backoff.
func (p RetryPolicy) do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(); err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		wait := time.Second
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
