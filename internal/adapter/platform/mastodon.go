package platform

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/service/ratelimiter"
	"github.com/vedfolnir/vedfolnir/pkg/textx"
)

const statusPageSize = 40

// mastodonClient speaks the Mastodon v1 API. Pixelfed and Pleroma largely
// share the same surface, so both build on this client.
type mastodonClient struct {
	t        *transport
	platform domain.PlatformType
}

// NewMastodonClient builds a client for a Mastodon instance.
func NewMastodonClient(cfg ClientConfig, hc *http.Client, limiter *ratelimiter.Limiter, policy ratelimiter.RetryPolicy) Client {
	return &mastodonClient{
		t:        newTransport(cfg, hc, limiter, policy),
		platform: domain.PlatformMastodon,
	}
}

func (c *mastodonClient) PlatformType() domain.PlatformType { return c.platform }

// wire shapes

type mastodonAccount struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Acct     string `json:"acct"`
}

type mastodonAttachment struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	URL         string  `json:"url"`
	RemoteURL   string  `json:"remote_url"`
	Description *string `json:"description"`
}

type mastodonStatus struct {
	ID               string               `json:"id"`
	URL              string               `json:"url"`
	Content          string               `json:"content"`
	CreatedAt        time.Time            `json:"created_at"`
	MediaAttachments []mastodonAttachment `json:"media_attachments"`
}

func (c *mastodonClient) Authenticate(ctx domain.Context) (AccountInfo, error) {
	var acc mastodonAccount
	err := c.t.get(ctx, ratelimiter.FamilyStatuses, "/api/v1/accounts/verify_credentials", nil, &acc)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("op=mastodon.authenticate: %w", err)
	}
	return AccountInfo{ID: acc.ID, Username: acc.Username}, nil
}

// ListUserPosts pages the account's own statuses newest first via the max_id
// cursor until limit posts are collected or the timeline ends.
func (c *mastodonClient) ListUserPosts(ctx domain.Context, accountID string, limit int) ([]NormalizedPost, error) {
	if limit <= 0 {
		limit = statusPageSize
	}
	var (
		out   []NormalizedPost
		maxID string
	)
	for len(out) < limit {
		pageSize := statusPageSize
		if rest := limit - len(out); rest < pageSize {
			pageSize = rest
		}
		q := url.Values{
			"limit":           {strconv.Itoa(pageSize)},
			"exclude_reblogs": {"true"},
		}
		if maxID != "" {
			q.Set("max_id", maxID)
		}
		var page []mastodonStatus
		err := c.t.get(ctx, ratelimiter.FamilyTimeline, "/api/v1/accounts/"+accountID+"/statuses", q, &page)
		if err != nil {
			return nil, fmt.Errorf("op=mastodon.list_posts: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, st := range page {
			out = append(out, normalizeStatus(st))
		}
		maxID = page[len(page)-1].ID
	}
	return out, nil
}

func (c *mastodonClient) GetPost(ctx domain.Context, postID string) (NormalizedPost, error) {
	var st mastodonStatus
	err := c.t.get(ctx, ratelimiter.FamilyStatuses, "/api/v1/statuses/"+postID, nil, &st)
	if err != nil {
		return NormalizedPost{}, fmt.Errorf("op=mastodon.get_post: %w", err)
	}
	return normalizeStatus(st), nil
}

// statusEdit is the PUT /api/v1/statuses/:id body. Mastodon requires the full
// media_attributes list on edit; attachments left out lose their description.
type statusEdit struct {
	Status          string           `json:"status"`
	MediaAttributes []mediaAttribute `json:"media_attributes,omitempty"`
	MediaIDs        []string         `json:"media_ids,omitempty"`
}

type mediaAttribute struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// UpdateMediaCaption sets a caption on one attachment by editing the whole
// status: the plain-text body is preserved and every attachment's existing
// description is re-sent alongside the new one. A genuinely empty body is
// replaced by a single space, since the edit endpoint rejects blank text.
func (c *mastodonClient) UpdateMediaCaption(ctx domain.Context, postID, mediaID, caption string) error {
	post, err := c.getStatus(ctx, postID)
	if err != nil {
		return fmt.Errorf("op=mastodon.update_caption: %w", err)
	}
	body := statusEdit{Status: editBodyText(post.Content)}
	found := false
	for _, att := range post.MediaAttachments {
		desc := ""
		if att.Description != nil {
			desc = *att.Description
		}
		if att.ID == mediaID {
			desc = caption
			found = true
		}
		body.MediaAttributes = append(body.MediaAttributes, mediaAttribute{ID: att.ID, Description: desc})
	}
	if !found {
		return fmt.Errorf("op=mastodon.update_caption: media %s not on post %s: %w", mediaID, postID, domain.ErrNotFound)
	}
	if err := c.t.send(ctx, ratelimiter.FamilyStatuses, http.MethodPut, "/api/v1/statuses/"+postID, body, nil); err != nil {
		return fmt.Errorf("op=mastodon.update_caption: %w", err)
	}
	return nil
}

// UpdatePost rewrites the status text, re-sending the current media ids so
// attachments survive the edit.
func (c *mastodonClient) UpdatePost(ctx domain.Context, postID, content string) error {
	post, err := c.getStatus(ctx, postID)
	if err != nil {
		return fmt.Errorf("op=mastodon.update_post: %w", err)
	}
	body := statusEdit{Status: editBodyText(content)}
	for _, att := range post.MediaAttachments {
		body.MediaIDs = append(body.MediaIDs, att.ID)
	}
	if err := c.t.send(ctx, ratelimiter.FamilyStatuses, http.MethodPut, "/api/v1/statuses/"+postID, body, nil); err != nil {
		return fmt.Errorf("op=mastodon.update_post: %w", err)
	}
	return nil
}

func (c *mastodonClient) RateLimitInfo(h http.Header) RateLimitInfo {
	return parseRateLimitHeaders(h)
}

func (c *mastodonClient) getStatus(ctx domain.Context, postID string) (mastodonStatus, error) {
	var st mastodonStatus
	err := c.t.get(ctx, ratelimiter.FamilyStatuses, "/api/v1/statuses/"+postID, nil, &st)
	return st, err
}

// editBodyText strips the stored HTML down to the plain text the edit
// endpoint expects. The single-space fallback keeps caption-only posts
// editable past the server's blank-text validation.
func editBodyText(content string) string {
	text := textx.HTMLToPlainText(content)
	if strings.TrimSpace(text) == "" {
		return " "
	}
	return text
}

func normalizeStatus(st mastodonStatus) NormalizedPost {
	p := NormalizedPost{
		ID:        st.ID,
		URL:       st.URL,
		Content:   st.Content,
		CreatedAt: st.CreatedAt,
	}
	for i, att := range st.MediaAttachments {
		u := att.URL
		if u == "" {
			u = att.RemoteURL
		}
		alt := ""
		if att.Description != nil {
			alt = *att.Description
		}
		p.Attachments = append(p.Attachments, NormalizedAttachment{
			MediaID: att.ID,
			URL:     u,
			AltText: alt,
			Index:   i,
			IsImage: att.Type == "image",
		})
	}
	return p
}
