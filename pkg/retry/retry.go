// Package retry provides a single reusable retry policy with exponential
// backoff. Every outbound call (LLM, vector store, market data, chain RPC)
// shares this policy instead of carrying its own ad hoc loop.
package retry

import (
	"context"
	"errors"
	"time"

	xerrors "ChainChat/internal/errors"
)

// Classifier reports whether an error is worth retrying.
type Classifier func(err error) bool

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   Classifier
}

// DefaultPolicy retries three times starting at 200ms, doubling each attempt,
// and consults the error-code registry for retryability.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Retryable:   xerrors.RetryableError,
	}
}

// Do runs fn until it succeeds, the error is classified non-retryable, the
// attempts are exhausted, or the context is cancelled.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	classify := p.Retryable
	if classify == nil {
		classify = xerrors.RetryableError
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if !classify(lastErr) || attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	if lastErr != nil && p.MaxAttempts > 1 && classify(lastErr) {
		return xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr, "retries exhausted")
	}
	return lastErr
}
