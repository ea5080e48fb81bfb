package platform

import (
	"fmt"
	"net/http"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/service/ratelimiter"
)

// pixelfedClient speaks Pixelfed's Mastodon-compatible API. Listing pages the
// account outbox through the compatibility endpoint (max_id cursor); caption
// writes go straight to the media endpoint, which Pixelfed supports and which
// avoids a full status edit.
type pixelfedClient struct {
	mastodonClient
}

// NewPixelfedClient builds a client for a Pixelfed instance.
func NewPixelfedClient(cfg ClientConfig, hc *http.Client, limiter *ratelimiter.Limiter, policy ratelimiter.RetryPolicy) Client {
	return &pixelfedClient{mastodonClient{
		t:        newTransport(cfg, hc, limiter, policy),
		platform: domain.PlatformPixelfed,
	}}
}

type pixelfedMediaUpdate struct {
	Description string `json:"description"`
}

// UpdateMediaCaption sets the attachment description via PUT /api/v1/media/:id.
func (c *pixelfedClient) UpdateMediaCaption(ctx domain.Context, postID, mediaID, caption string) error {
	if mediaID == "" {
		return fmt.Errorf("op=pixelfed.update_caption: post %s: empty media id: %w", postID, domain.ErrInvalidArgument)
	}
	body := pixelfedMediaUpdate{Description: caption}
	if err := c.t.send(ctx, ratelimiter.FamilyMedia, http.MethodPut, "/api/v1/media/"+mediaID, body, nil); err != nil {
		return fmt.Errorf("op=pixelfed.update_caption: %w", err)
	}
	return nil
}
