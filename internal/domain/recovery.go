// Package domain defines recovery and retry entities for resilient task processing.
package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrorCategory classifies a failure for recovery routing.
type ErrorCategory string

const (
	// CategoryAuthentication covers invalid or expired platform credentials.
	CategoryAuthentication ErrorCategory = "authentication"
	// CategoryPlatform covers upstream 5xx and platform-side rate limits.
	CategoryPlatform ErrorCategory = "platform"
	// CategoryResource covers memory/disk/connection exhaustion.
	CategoryResource ErrorCategory = "resource"
	// CategoryValidation covers malformed input and schema violations.
	CategoryValidation ErrorCategory = "validation"
	// CategoryNetwork covers dial failures and timeouts.
	CategoryNetwork ErrorCategory = "network"
	// CategorySystem covers unexpected internal failures.
	CategorySystem ErrorCategory = "system"
	// CategoryUnknown is the catch-all for unclassifiable errors.
	CategoryUnknown ErrorCategory = "unknown"
)

// RecoveryAction is what the worker should do after a categorized failure.
type RecoveryAction string

const (
	ActionFailFast       RecoveryAction = "fail_fast"
	ActionRetryBackoff   RecoveryAction = "retry_backoff"
	ActionRetryLongWait  RecoveryAction = "retry_long_wait"
	ActionSingleRetry    RecoveryAction = "single_retry"
	ActionNotifyAndAbort RecoveryAction = "notify_and_abort"
)

// RetryConfig defines retry behavior for platform and vision calls.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryConfig returns the built-in retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// retryableSentinels are transient by contract.
var retryableSentinels = []error{
	ErrRateLimited,
	ErrUpstreamRateLimit,
	ErrUpstreamTimeout,
	ErrPlatformUnavailable,
	ErrResourceExhausted,
}

// nonRetryableSentinels will not succeed on retry with the same input.
var nonRetryableSentinels = []error{
	ErrInvalidArgument,
	ErrNotFound,
	ErrConflict,
	ErrUnauthorized,
	ErrForbidden,
	ErrAuthenticationFailed,
	ErrMissingPlatformContext,
	ErrTaskActiveExists,
	ErrTaskNotCancellable,
}

// retryableFragments back up sentinel matching for errors that arrive as
// plain strings from transports.
var retryableFragments = []string{
	"connection refused",
	"connection reset",
	"context deadline exceeded",
	"temporary failure",
	"timeout",
	"too many requests",
	"i/o timeout",
	"no such host",
	"eof",
}

// IsRetryable reports whether err is worth retrying with the same input.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, s := range nonRetryableSentinels {
		if errors.Is(err, s) {
			return false
		}
	}
	for _, s := range retryableSentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// NextRetryDelay computes the exponential backoff delay for the given
// zero-based attempt, capped at MaxDelay. Jitter is applied by callers that
// need it (the backoff library adds randomization itself).
func (c RetryConfig) NextRetryDelay(attempt int) time.Duration {
	delay := c.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.Multiplier)
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// RecoveredError pairs a categorized failure with the operation it broke.
type RecoveredError struct {
	Category   ErrorCategory
	Action     RecoveryAction
	Operation  string
	TaskID     string
	Message    string
	OccurredAt time.Time
}

// AdminNotification is a persistent notice raised for failures that need a
// human (authentication failures, repeated platform errors).
type AdminNotification struct {
	ID         string
	Category   ErrorCategory
	TaskID     string
	Message    string
	Guidance   string
	Read       bool
	OccurredAt time.Time
}
