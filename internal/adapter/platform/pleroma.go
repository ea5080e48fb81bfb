package platform

import (
	"net/http"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/service/ratelimiter"
)

// pleromaClient speaks Pleroma's Mastodon-compatible API. It carries its own
// type so platform-specific divergence has a home; support is gated behind
// the PLEROMA_BETA flag at the registry.
type pleromaClient struct {
	mastodonClient
}

// NewPleromaClient builds a client for a Pleroma instance.
func NewPleromaClient(cfg ClientConfig, hc *http.Client, limiter *ratelimiter.Limiter, policy ratelimiter.RetryPolicy) Client {
	return &pleromaClient{mastodonClient{
		t:        newTransport(cfg, hc, limiter, policy),
		platform: domain.PlatformPleroma,
	}}
}
