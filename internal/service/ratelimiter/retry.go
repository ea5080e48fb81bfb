package ratelimiter

import (
	"context"
	"net/http"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	obsmetrics "github.com/vedfolnir/vedfolnir/internal/adapter/observability"
)

// RetryPolicy configures exponential backoff for platform and vision calls.
type RetryPolicy struct {
	MaxElapsed time.Duration
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// retryableStatuses are transient HTTP failures worth another attempt.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// RetryableStatus reports whether an HTTP status merits a retry.
func RetryableStatus(code int) bool {
	return retryableStatuses[code]
}

// Do runs op with exponential backoff until it succeeds, returns a
// backoff.Permanent error, or the policy's elapsed budget runs out. Each
// attempt past the first is counted against the operation's retry metric.
func Do(ctx context.Context, operation string, p RetryPolicy, op backoff.Operation) error {
	expo := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		expo.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		expo.MaxInterval = p.Max
	}
	if p.Multiplier > 0 {
		expo.Multiplier = p.Multiplier
	}
	if p.MaxElapsed > 0 {
		expo.MaxElapsedTime = p.MaxElapsed
	}

	attempts := 0
	wrapped := func() error {
		attempts++
		if attempts > 1 {
			obsmetrics.ObserveRetry(operation)
		}
		return op()
	}

	bo := backoff.WithContext(expo, ctx)
	return backoff.Retry(wrapped, bo)
}

// RetryAfter parses a Retry-After header as delay seconds or an HTTP date.
// Zero means the header was absent or unparseable.
func RetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// SleepRetryAfter waits out a server-requested delay, bounded by cap and by
// ctx cancellation. Used after a 429 before the next backoff attempt.
func SleepRetryAfter(ctx context.Context, h http.Header, cap time.Duration) error {
	d := RetryAfter(h)
	if d <= 0 {
		return nil
	}
	if cap > 0 && d > cap {
		d = cap
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
