package app

import (
	"net/http"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/adapter/platform"
	"github.com/vedfolnir/vedfolnir/internal/config"
	"github.com/vedfolnir/vedfolnir/internal/service/ratelimiter"
)

// RetryPolicyFromConfig maps the retry environment knobs onto a backoff
// policy. The elapsed budget is sized so the configured attempt count fits
// even when every attempt waits the maximum delay.
func RetryPolicyFromConfig(cfg config.Config) ratelimiter.RetryPolicy {
	maxAttempts, initial, max, multiplier := cfg.GetRetryBackoffConfig()
	return ratelimiter.RetryPolicy{
		MaxElapsed: time.Duration(maxAttempts) * max,
		Initial:    initial,
		Max:        max,
		Multiplier: multiplier,
	}
}

// NewPlatformRegistry builds the shared platform client registry with the
// per-endpoint-family rate limiter and retry policy from config.
func NewPlatformRegistry(cfg config.Config) *platform.Registry {
	limiter := ratelimiter.New(ratelimiter.Config{
		MediaPerMin:         cfg.RateLimitMediaPerMin,
		StatusesPerMin:      cfg.RateLimitStatusesPerMin,
		TimelinePerMin:      cfg.RateLimitTimelinePerMin,
		GlobalMaxConcurrent: cfg.GlobalMaxConcurrent,
	})
	hc := &http.Client{Timeout: 30 * time.Second}
	return platform.NewRegistry(hc, limiter, RetryPolicyFromConfig(cfg), cfg.PleromaBeta)
}
