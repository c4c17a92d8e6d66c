package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/dshills/flowstudio/pkg/api"
)

// RetryPolicy controls how collaborator calls are retried. The zero value
// disables retries.
type RetryPolicy struct {
	MaxAttempts       int           // retries after the first attempt
	InitialDelay      time.Duration // delay before the first retry
	MaxDelay          time.Duration // ceiling applied after jitter; 0 means none
	BackoffMultiplier float64       // growth factor per attempt; <1 means 2
}

// DefaultRetryPolicy retries twice with a short exponential backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       2,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
	}
}

// RetryExhaustedError is returned when every attempt failed
type RetryExhaustedError struct {
	Attempts  int
	LastError error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastError)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastError
}

// retry runs fn until it succeeds, the policy is spent, the error is
// permanent, or ctx is done
func (p RetryPolicy) retry(ctx context.Context, fn func() error) error {
	if p.MaxAttempts <= 0 {
		return fn()
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return ctx.Err()
		}
	}
	return &RetryExhaustedError{Attempts: p.MaxAttempts + 1, LastError: lastErr}
}

// delay computes exponential backoff with ±25% jitter
func (p RetryPolicy) delay(attempt int) time.Duration {
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 2
	}
	d := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) {
		d = float64(p.MaxDelay)
	}

	d += d * 0.25 * (rand.Float64()*2 - 1)

	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// retryable reports whether another attempt could succeed
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrMissingInput), errors.Is(err, ErrInvalidTimestamp):
		return false
	case errors.Is(err, api.ErrValidation), errors.Is(err, api.ErrAuthRequired):
		return false
	}
	return true
}
