package engine

import (
	"context"
	"errors"
	"strings"
	"time"
)

// RetryPolicy defines the task runner's retry behavior for transient
// failures. The delay before attempt n (1-based retries) is
// Backoff * Factor^(n-1), capped at MaxDelay when set.
type RetryPolicy struct {
	// MaxAttempts is the total number of retries after the initial
	// attempt. Zero disables retries.
	MaxAttempts int

	// Backoff is the base delay before the first retry.
	Backoff time.Duration

	// Factor multiplies the delay each retry. Values below 1 are
	// rejected by Validate.
	Factor float64

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth retrying. Nil retries
	// everything except cancellation.
	Retryable func(error) bool
}

// ErrInvalidRetryPolicy is returned by Validate on a malformed policy.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// Validate checks the policy's constraints.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return ErrInvalidRetryPolicy
	}
	if p.Factor != 0 && p.Factor < 1 {
		return ErrInvalidRetryPolicy
	}
	if p.MaxDelay > 0 && p.Backoff > 0 && p.MaxDelay < p.Backoff {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// Delay computes the sleep before retry attempt (1-based).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	factor := p.Factor
	if factor == 0 {
		factor = 2
	}
	delay := float64(p.Backoff)
	for i := 1; i < attempt; i++ {
		delay *= factor
	}
	d := time.Duration(delay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ShouldRetry reports whether the error qualifies for a retry. Cancellation
// never retries.
func (p *RetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// sleepOrCancel waits for the delay, returning early when the context is
// cancelled or the execution's cancel flag flips. The flag is polled so a
// cooperative cancel is observed within a second even mid-sleep.
func sleepOrCancel(ctx context.Context, execCtx *ExecutionContext, delay time.Duration) error {
	deadline := time.Now().Add(delay)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		poll := remaining
		if poll > time.Second {
			poll = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
		if execCtx != nil && execCtx.Cancelled() {
			return ErrCancelled
		}
	}
}

// isTimeoutErr matches deadline errors from handlers and the standard
// library.
func isTimeoutErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
