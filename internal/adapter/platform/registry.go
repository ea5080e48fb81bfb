package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/service/ratelimiter"
)

// Registry builds platform clients and detects the platform behind an
// instance URL. Detection results are cached per instance.
type Registry struct {
	hc          *http.Client
	limiter     *ratelimiter.Limiter
	policy      ratelimiter.RetryPolicy
	pleromaBeta bool

	mu       sync.Mutex
	detected map[string]domain.PlatformType
}

// NewRegistry creates a registry. pleromaBeta gates Pleroma connections.
func NewRegistry(hc *http.Client, limiter *ratelimiter.Limiter, policy ratelimiter.RetryPolicy, pleromaBeta bool) *Registry {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Registry{
		hc:          hc,
		limiter:     limiter,
		policy:      policy,
		pleromaBeta: pleromaBeta,
		detected:    make(map[string]domain.PlatformType),
	}
}

// ClientFor returns a client for the config, detecting the platform when the
// config does not name one.
func (r *Registry) ClientFor(ctx context.Context, cfg ClientConfig) (Client, error) {
	pt := cfg.PlatformType
	if pt == "" {
		detected, err := r.Detect(ctx, cfg.InstanceURL)
		if err != nil {
			return nil, err
		}
		pt = detected
		cfg.PlatformType = pt
	}
	switch pt {
	case domain.PlatformMastodon:
		return NewMastodonClient(cfg, r.hc, r.limiter, r.policy), nil
	case domain.PlatformPleroma:
		if !r.pleromaBeta {
			return nil, fmt.Errorf("op=platform.client_for: pleroma support is beta, set PLEROMA_BETA=true: %w", domain.ErrInvalidArgument)
		}
		return NewPleromaClient(cfg, r.hc, r.limiter, r.policy), nil
	case domain.PlatformPixelfed:
		return NewPixelfedClient(cfg, r.hc, r.limiter, r.policy), nil
	}
	return nil, fmt.Errorf("op=platform.client_for: platform %q: %w", pt, domain.ErrInvalidArgument)
}

// Detect works out which platform serves instanceURL. It tries a hostname
// heuristic first, then probes /api/v1/instance and nodeinfo, checking in
// fixed order mastodon, pleroma, pixelfed. When nothing is conclusive the
// answer is pixelfed, the project's original target.
func (r *Registry) Detect(ctx context.Context, instanceURL string) (domain.PlatformType, error) {
	key := strings.TrimRight(strings.ToLower(instanceURL), "/")
	r.mu.Lock()
	if pt, ok := r.detected[key]; ok {
		r.mu.Unlock()
		return pt, nil
	}
	r.mu.Unlock()

	pt := r.detectUncached(ctx, instanceURL)

	r.mu.Lock()
	r.detected[key] = pt
	r.mu.Unlock()
	slog.Info("platform detected", slog.String("instance", key), slog.String("platform", string(pt)))
	return pt, nil
}

func (r *Registry) detectUncached(ctx context.Context, instanceURL string) domain.PlatformType {
	if pt, ok := hostnameHeuristic(instanceURL); ok {
		return pt
	}
	if pt, ok := r.probeInstanceAPI(ctx, instanceURL); ok {
		return pt
	}
	if pt, ok := r.probeNodeInfo(ctx, instanceURL); ok {
		return pt
	}
	return domain.PlatformPixelfed
}

func hostnameHeuristic(instanceURL string) (domain.PlatformType, bool) {
	u, err := url.Parse(instanceURL)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.Contains(host, "mastodon"):
		return domain.PlatformMastodon, true
	case strings.Contains(host, "pleroma"):
		return domain.PlatformPleroma, true
	case strings.Contains(host, "pixelfed"):
		return domain.PlatformPixelfed, true
	}
	return "", false
}

// probeInstanceAPI reads /api/v1/instance, which every supported platform
// serves; the version string names Pleroma and Pixelfed explicitly.
func (r *Registry) probeInstanceAPI(ctx context.Context, instanceURL string) (domain.PlatformType, bool) {
	var payload struct {
		Version string `json:"version"`
	}
	if !r.probeJSON(ctx, instanceURL, "/api/v1/instance", &payload) {
		return "", false
	}
	version := strings.ToLower(payload.Version)
	switch {
	case strings.Contains(version, "pleroma"):
		return domain.PlatformPleroma, true
	case strings.Contains(version, "pixelfed"):
		return domain.PlatformPixelfed, true
	case version != "":
		return domain.PlatformMastodon, true
	}
	return "", false
}

func (r *Registry) probeNodeInfo(ctx context.Context, instanceURL string) (domain.PlatformType, bool) {
	var payload struct {
		Software struct {
			Name string `json:"name"`
		} `json:"software"`
	}
	if !r.probeJSON(ctx, instanceURL, "/nodeinfo/2.0", &payload) {
		return "", false
	}
	switch strings.ToLower(payload.Software.Name) {
	case "mastodon":
		return domain.PlatformMastodon, true
	case "pleroma", "akkoma":
		return domain.PlatformPleroma, true
	case "pixelfed":
		return domain.PlatformPixelfed, true
	}
	return "", false
}

func (r *Registry) probeJSON(ctx context.Context, instanceURL, path string, out any) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(instanceURL, "/")+path, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.hc.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	return json.NewDecoder(resp.Body).Decode(out) == nil
}
