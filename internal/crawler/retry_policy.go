package crawler

import (
	"context"
	"errors"
	"math"
	"slices"
	"time"
)

// Retry defaults. Sources throttle by IP, so waits are deliberately long.
const (
	DefaultMaxAttempts   = 3
	DefaultBackoffBase   = 100 * time.Second
	DefaultBackoffGrowth = 1.0
)

// DefaultRetryableStatuses lists the HTTP statuses treated as transient.
// Portals answer 500 and 403 when overloaded or throttling.
var DefaultRetryableStatuses = []int{403, 500, 503, 504}

// RetryPolicy decides whether a failed attempt is retried and how long to wait.
type RetryPolicy struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffGrowth     float64
	RetryableStatuses []int
}

// NewRetryPolicy builds a policy with the default attempt count and statuses.
func NewRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       DefaultMaxAttempts,
		BackoffBase:       DefaultBackoffBase,
		BackoffGrowth:     DefaultBackoffGrowth,
		RetryableStatuses: slices.Clone(DefaultRetryableStatuses),
	}
}

// Attempts returns the effective attempt cap (at least one).
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// ShouldRetry reports whether another attempt should follow the given
// (1-based) attempt that failed with err.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.Attempts() {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInvalidRequest) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return p.RetryableStatus(httpErr.StatusCode)
	}
	// Network resets and timeouts land here.
	return true
}

// RetryableStatus reports whether code is in the transient set.
func (p RetryPolicy) RetryableStatus(code int) bool {
	statuses := p.RetryableStatuses
	if statuses == nil {
		statuses = DefaultRetryableStatuses
	}
	return slices.Contains(statuses, code)
}

// Backoff returns the wait after the given (1-based) failed attempt. With a
// growth factor of 1 the wait is attempt*base; above 1 it grows geometrically.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BackoffBase <= 0 {
		return 0
	}
	if p.BackoffGrowth <= 1 {
		return time.Duration(attempt) * p.BackoffBase
	}
	return time.Duration(float64(p.BackoffBase) * math.Pow(p.BackoffGrowth, float64(attempt-1)))
}
