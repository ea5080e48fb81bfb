// Package ratelimiter provides client-side token buckets for fediverse API
// calls, keyed by platform and endpoint family. Server-advertised limits in
// X-RateLimit headers tighten the buckets at runtime.
package ratelimiter

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	obsmetrics "github.com/vedfolnir/vedfolnir/internal/adapter/observability"
	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// EndpointFamily groups platform endpoints that share a server-side budget.
type EndpointFamily string

const (
	FamilyMedia    EndpointFamily = "media"
	FamilyStatuses EndpointFamily = "statuses"
	FamilyTimeline EndpointFamily = "timeline"
)

// Key identifies one token bucket.
type Key struct {
	Platform domain.PlatformType
	Family   EndpointFamily
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Platform, k.Family)
}

// Config carries per-family requests-per-minute budgets and the global
// in-flight cap.
type Config struct {
	MediaPerMin         int
	StatusesPerMin      int
	TimelinePerMin      int
	GlobalMaxConcurrent int
}

// KeyStats is a point-in-time snapshot of one bucket.
type KeyStats struct {
	Requests      int64         `json:"requests"`
	Waits         int64         `json:"waits"`
	TotalWait     time.Duration `json:"total_wait"`
	LimitPerMin   float64       `json:"limit_per_min"`
	ServerLimited bool          `json:"server_limited"`
}

type bucket struct {
	limiter       *rate.Limiter
	requests      int64
	waits         int64
	totalWait     time.Duration
	serverLimited bool
}

// Limiter dispenses tokens per (platform, endpoint family) pair and caps
// total in-flight platform requests.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[Key]*bucket

	// global concurrency semaphore
	inflight chan struct{}
}

// New creates a limiter from per-family budgets. Non-positive budgets fall
// back to one request per minute.
func New(cfg Config) *Limiter {
	if cfg.GlobalMaxConcurrent <= 0 {
		cfg.GlobalMaxConcurrent = 1
	}
	return &Limiter{
		cfg:      cfg,
		buckets:  make(map[Key]*bucket),
		inflight: make(chan struct{}, cfg.GlobalMaxConcurrent),
	}
}

func (l *Limiter) budgetFor(family EndpointFamily) int {
	var perMin int
	switch family {
	case FamilyMedia:
		perMin = l.cfg.MediaPerMin
	case FamilyStatuses:
		perMin = l.cfg.StatusesPerMin
	case FamilyTimeline:
		perMin = l.cfg.TimelinePerMin
	}
	if perMin <= 0 {
		perMin = 1
	}
	return perMin
}

func (l *Limiter) bucketFor(key Key) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[key]; ok {
		return b
	}
	perMin := l.budgetFor(key.Family)
	b := &bucket{
		// burst of one minute's budget, refilled continuously
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
	}
	l.buckets[key] = b
	return b
}

// Acquire blocks until a token for key and a global concurrency slot are
// both available, or ctx is done. The returned release func must be called
// when the request finishes.
func (l *Limiter) Acquire(ctx context.Context, key Key) (func(), error) {
	b := l.bucketFor(key)

	start := time.Now()
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("op=ratelimiter.Acquire: %s: %w", key, err)
	}
	waited := time.Since(start)

	select {
	case l.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("op=ratelimiter.Acquire: %s: %w", key, ctx.Err())
	}

	l.mu.Lock()
	b.requests++
	if waited > 10*time.Millisecond {
		b.waits++
		b.totalWait += waited
		obsmetrics.ObserveRateLimitWait(string(key.Platform), string(key.Family))
	}
	l.mu.Unlock()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		<-l.inflight
	}, nil
}

// ObserveHeaders tightens the bucket from server rate-limit response
// headers. A Remaining of zero pauses the bucket until Reset.
func (l *Limiter) ObserveHeaders(key Key, h http.Header) {
	limitStr := h.Get("X-RateLimit-Limit")
	remainingStr := h.Get("X-RateLimit-Remaining")
	if limitStr == "" && remainingStr == "" {
		return
	}

	b := l.bucketFor(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	if limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			// Mastodon reports the limit per 5 minute window
			perSec := float64(limit) / 300.0
			if perSec < float64(b.limiter.Limit()) {
				b.limiter.SetLimit(rate.Limit(perSec))
				burst := limit / 10
				if burst < 1 {
					burst = 1
				}
				b.limiter.SetBurst(burst)
				b.serverLimited = true
			}
		}
	}

	if remainingStr != "" {
		if remaining, err := strconv.Atoi(remainingStr); err == nil && remaining == 0 {
			if until := parseReset(h.Get("X-RateLimit-Reset")); !until.IsZero() {
				// Drain tokens until the advertised reset instant
				b.limiter.SetBurst(1)
				wait := time.Until(until)
				if wait > 0 {
					old := b.limiter.Limit()
					b.limiter.SetLimit(rate.Limit(1.0 / wait.Seconds()))
					// restore the configured rate after reset
					time.AfterFunc(wait, func() {
						b.limiter.SetLimit(old)
					})
				}
				b.serverLimited = true
			}
		}
	}
}

// parseReset accepts RFC3339 timestamps (Mastodon) and unix seconds.
func parseReset(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0)
	}
	return time.Time{}
}

// Stats snapshots every bucket keyed by "platform/family".
func (l *Limiter) Stats() map[string]KeyStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]KeyStats, len(l.buckets))
	for key, b := range l.buckets {
		out[key.String()] = KeyStats{
			Requests:      b.requests,
			Waits:         b.waits,
			TotalWait:     b.totalWait,
			LimitPerMin:   float64(b.limiter.Limit()) * 60.0,
			ServerLimited: b.serverLimited,
		}
	}
	return out
}
