// Package platform adapts the supported ActivityPub servers (Pixelfed,
// Mastodon, Pleroma) behind one client interface. Downstream code only sees
// normalized posts and attachments; the per-platform wire shapes stay here.
package platform

import (
	"fmt"
	"net/http"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/service/secrets"
	"github.com/vedfolnir/vedfolnir/pkg/textx"
)

// NormalizedAttachment is one media attachment in platform-neutral shape.
type NormalizedAttachment struct {
	MediaID   string
	URL       string
	MediaType string
	AltText   string
	Index     int
	IsImage   bool
}

// NormalizedPost is a platform post in platform-neutral shape. Content is the
// raw body as the platform returned it (HTML for mastodon-family servers).
type NormalizedPost struct {
	ID          string
	URL         string
	Content     string
	CreatedAt   time.Time
	Attachments []NormalizedAttachment
}

// AccountInfo is the verified identity behind an access token.
type AccountInfo struct {
	ID       string
	Username string
}

// RateLimitInfo reflects the server-side budget from response headers.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Client is one authenticated session against a platform instance.
type Client interface {
	PlatformType() domain.PlatformType
	// Authenticate verifies the access token and returns the account it
	// belongs to.
	Authenticate(ctx domain.Context) (AccountInfo, error)
	// ListUserPosts pages through the account's posts newest first, up to
	// limit. Pagination is by the platform cursor (max_id) underneath.
	ListUserPosts(ctx domain.Context, accountID string, limit int) ([]NormalizedPost, error)
	GetPost(ctx domain.Context, postID string) (NormalizedPost, error)
	// UpdateMediaCaption publishes a caption for one attachment of postID.
	UpdateMediaCaption(ctx domain.Context, postID, mediaID, caption string) error
	// UpdatePost rewrites the post body, keeping existing media intact.
	UpdatePost(ctx domain.Context, postID, content string) error
	RateLimitInfo(h http.Header) RateLimitInfo
}

// ClientConfig carries everything needed to talk to one instance. The access
// token is plaintext here; it exists only in memory and only inside this
// package and its construction path.
type ClientConfig struct {
	ConnectionID string
	PlatformType domain.PlatformType
	InstanceURL  string
	Username     string
	AccessToken  string
	UserAgent    string
}

// ConfigFromConnection decrypts the stored credentials into a ClientConfig.
// This is the only place ciphertext leaves the secrets box.
func ConfigFromConnection(conn domain.PlatformConnection, box *secrets.Box) (ClientConfig, error) {
	token, err := box.OpenString(conn.AccessToken, conn.ID)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("op=platform.config: decrypt access token: %w", err)
	}
	if token == "" {
		return ClientConfig{}, fmt.Errorf("op=platform.config: connection %s has no access token: %w", conn.ID, domain.ErrAuthenticationFailed)
	}
	return ClientConfig{
		ConnectionID: conn.ID,
		PlatformType: conn.PlatformType,
		InstanceURL:  conn.InstanceURL,
		Username:     conn.Username,
		AccessToken:  token,
		UserAgent:    "vedfolnir/1.0",
	}, nil
}

// ExtractImages returns the post's image attachments that lack meaningful alt
// text. Blank, whitespace-only and emoji-only descriptions count as missing.
func ExtractImages(p NormalizedPost) []NormalizedAttachment {
	var out []NormalizedAttachment
	for _, att := range p.Attachments {
		if !att.IsImage || att.URL == "" {
			continue
		}
		if textx.MeaningfulAltText(att.AltText) {
			continue
		}
		out = append(out, att)
	}
	return out
}
