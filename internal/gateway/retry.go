package gateway

import (
	"errors"
	"math"
	"time"

	"github.com/user/convoy/internal/types"
)

// RetryPolicy controls how a checkpoint write is retried after a version
// conflict.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns the conflict policy used for turn persistence:
// the first write plus one rebased retry, 10ms apart.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Second,
	}
}

// ShouldRetry returns true if the error is retryable and the attempt count
// has not reached MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return p.isRetryable(err)
}

// isRetryable reports whether a rebase can fix the failure. Only a lost
// version race qualifies; ownership and history checks never change on retry.
func (p *RetryPolicy) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, types.ErrForbidden) || errors.Is(err, types.ErrHistoryRegression) {
		return false
	}
	return errors.Is(err, types.ErrConflict)
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn up to MaxAttempts times, passing the 1-indexed attempt
// number and sleeping between retries. Returns nil on success or the last
// error if all attempts fail or the error is non-retryable.
func (p *RetryPolicy) Execute(fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		time.Sleep(p.NextDelay(attempt))
	}
	return lastErr
}
