// Package retry runs provider calls with bounded exponential backoff,
// consulting the error classifier to decide what is worth another attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatgate/internal/llm"
)

// Options configures Do. Use DefaultOptions as the starting point.
type Options struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// RetryableErrors, when set, replaces the classifier's retryability with
	// membership in this list. Authentication and validation failures are
	// never retried whatever the list says.
	RetryableErrors []llm.Category

	// Sleep waits between attempts; it must return early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, delay time.Duration, err *llm.ClassifiedError)
}

// DefaultOptions returns 3 attempts starting at 1s, doubling up to 10s.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	}
}

// AttemptsError is the cause of the terminal error returned once every
// attempt has failed.
type AttemptsError struct {
	Attempts int
	Last     error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *AttemptsError) Unwrap() error { return e.Last }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not eligible for retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. op receives the 1-based attempt number. Errors
// returned by Do are always classified, except for the context error when
// ctx ends first.
func Do[T any](ctx context.Context, op func(ctx context.Context, attempt int) (T, error), opts Options) (T, error) {
	opts = withDefaults(opts)

	var zero T
	delay := opts.InitialDelay
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, llm.Classify(perm.err)
		}

		ce := llm.Classify(err)
		if !shouldRetry(ce, opts.RetryableErrors) {
			return zero, ce
		}
		if attempt >= opts.MaxAttempts {
			return zero, &llm.ClassifiedError{
				Category:    ce.Category,
				UserMessage: fmt.Sprintf("%s (failed after %d attempts)", ce.UserMessage, attempt),
				Cause:       &AttemptsError{Attempts: attempt, Last: ce},
				Retryable:   false,
			}
		}

		wait := min(delay, opts.MaxDelay)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, wait, ce)
		}
		if err := opts.Sleep(ctx, wait); err != nil {
			return zero, err
		}
		delay = time.Duration(float64(delay) * opts.BackoffFactor)
	}
}

func shouldRetry(ce *llm.ClassifiedError, override []llm.Category) bool {
	switch ce.Category {
	case llm.CategoryAuthentication, llm.CategoryValidation:
		return false
	}
	if len(override) == 0 {
		return ce.Retryable
	}
	for _, c := range override {
		if c == ce.Category {
			return true
		}
	}
	return false
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialDelay < 0 {
		opts.InitialDelay = 0
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = def.BackoffFactor
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return opts
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
