package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	obsmetrics "github.com/vedfolnir/vedfolnir/internal/adapter/observability"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/observability"
	"github.com/vedfolnir/vedfolnir/internal/service/ratelimiter"
)

const maxErrorBody = 256

// observers holds one observable wrapper per instance URL so circuit breaker
// and adaptive timeout state survive across client instantiations. Clients
// are cheap and rebuilt per task; the instance's health history is not.
var observers sync.Map

func observerFor(instanceURL string) *observability.ObservableClient {
	if v, ok := observers.Load(instanceURL); ok {
		return v.(*observability.ObservableClient)
	}
	oc := observability.NewObservableClient(
		observability.ConnectionTypePlatform,
		observability.OperationTypeRequest,
		instanceURL,
		30*time.Second, 5*time.Second, 2*time.Minute,
	)
	actual, _ := observers.LoadOrStore(instanceURL, oc)
	return actual.(*observability.ObservableClient)
}

// InstanceHealth reports breaker, timeout and request stats for every
// instance this process has talked to, keyed by instance URL.
func InstanceHealth() map[string]map[string]interface{} {
	health := map[string]map[string]interface{}{}
	observers.Range(func(k, v any) bool {
		health[k.(string)] = v.(*observability.ObservableClient).GetHealthStatus()
		return true
	})
	return health
}

// transport is the shared HTTP layer under every platform client: rate
// limited per endpoint family, retried with exponential backoff, guarded by
// a per-instance circuit breaker, and mapped onto the domain error taxonomy.
type transport struct {
	cfg     ClientConfig
	hc      *http.Client
	limiter *ratelimiter.Limiter
	policy  ratelimiter.RetryPolicy
	obs     *observability.ObservableClient
}

func newTransport(cfg ClientConfig, hc *http.Client, limiter *ratelimiter.Limiter, policy ratelimiter.RetryPolicy) *transport {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &transport{cfg: cfg, hc: hc, limiter: limiter, policy: policy, obs: observerFor(cfg.InstanceURL)}
}

// get issues a rate-limited GET and decodes the JSON response into out.
func (t *transport) get(ctx context.Context, family ratelimiter.EndpointFamily, path string, query url.Values, out any) error {
	return t.do(ctx, family, http.MethodGet, path, query, nil, out)
}

// send issues a rate-limited request with a JSON body.
func (t *transport) send(ctx context.Context, family ratelimiter.EndpointFamily, method, path string, body, out any) error {
	return t.do(ctx, family, method, path, nil, body, out)
}

func (t *transport) do(ctx context.Context, family ratelimiter.EndpointFamily, method, path string, query url.Values, body, out any) error {
	u := strings.TrimRight(t.cfg.InstanceURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=platform.request: marshal body: %w", err)
		}
		payload = b
	}
	key := ratelimiter.Key{Platform: t.cfg.PlatformType, Family: family}
	operation := fmt.Sprintf("%s %s %s", t.cfg.PlatformType, method, path)

	return ratelimiter.Do(ctx, operation, t.policy, func() error {
		release, err := t.limiter.Acquire(ctx, key)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer release()

		return t.obs.ExecuteWithMetrics(ctx, operation, func(ctx context.Context) error {
			var reader io.Reader
			if payload != nil {
				reader = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, u, reader)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("op=platform.request: %w", err))
			}
			req.Header.Set("Authorization", "Bearer "+t.cfg.AccessToken)
			req.Header.Set("Accept", "application/json")
			req.Header.Set("User-Agent", t.cfg.UserAgent)
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			start := time.Now()
			resp, err := t.hc.Do(req)
			if err != nil {
				obsmetrics.ObservePlatformCall(string(t.cfg.PlatformType), string(family), "transport_error", time.Since(start))
				if errors.Is(err, context.DeadlineExceeded) {
					return fmt.Errorf("op=platform.request: %s: %w", operation, domain.ErrUpstreamTimeout)
				}
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return fmt.Errorf("op=platform.request: %s: %w", operation, err)
			}
			defer func() { _ = resp.Body.Close() }()
			obsmetrics.ObservePlatformCall(string(t.cfg.PlatformType), string(family), strconv.Itoa(resp.StatusCode), time.Since(start))
			t.limiter.ObserveHeaders(key, resp.Header)

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if out == nil {
					_, _ = io.Copy(io.Discard, resp.Body)
					return nil
				}
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return backoff.Permanent(fmt.Errorf("op=platform.request: %s: decode: %w", operation, err))
				}
				return nil
			}
			return t.statusError(ctx, operation, resp)
		})
	})
}

// statusError maps a non-2xx response onto the domain taxonomy. Retryable
// statuses return plain errors so the backoff loop tries again; everything
// else is wrapped permanent.
func (t *transport) statusError(ctx context.Context, operation string, resp *http.Response) error {
	snippet := readSnippet(resp.Body)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return backoff.Permanent(fmt.Errorf("op=platform.request: %s: %s: %w", operation, snippet, domain.ErrAuthenticationFailed))
	case http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("op=platform.request: %s: %s: %w", operation, snippet, domain.ErrForbidden))
	case http.StatusNotFound, http.StatusGone:
		return backoff.Permanent(fmt.Errorf("op=platform.request: %s: %w", operation, domain.ErrNotFound))
	case http.StatusTooManyRequests:
		// honour Retry-After before the next attempt
		if err := ratelimiter.SleepRetryAfter(ctx, resp.Header, time.Minute); err != nil {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("op=platform.request: %s: status 429: %w", operation, domain.ErrUpstreamRateLimit)
	}
	if ratelimiter.RetryableStatus(resp.StatusCode) {
		return fmt.Errorf("op=platform.request: %s: status %d: %s: %w", operation, resp.StatusCode, snippet, domain.ErrPlatformUnavailable)
	}
	return backoff.Permanent(fmt.Errorf("op=platform.request: %s: status %d: %s: %w", operation, resp.StatusCode, snippet, domain.ErrInvalidArgument))
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}

// parseRateLimitHeaders extracts the Mastodon-family X-RateLimit-* trio.
func parseRateLimitHeaders(h http.Header) RateLimitInfo {
	info := RateLimitInfo{}
	if v := h.Get("X-RateLimit-Limit"); v != "" {
		info.Limit, _ = strconv.Atoi(v)
	}
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		info.Remaining, _ = strconv.Atoi(v)
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			info.Reset = ts
		} else if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.Reset = time.Unix(secs, 0)
		}
	}
	return info
}
