package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

func pixelfedTestClient(srv *httptest.Server) Client {
	return NewPixelfedClient(ClientConfig{
		ConnectionID: "conn-1",
		PlatformType: domain.PlatformPixelfed,
		InstanceURL:  srv.URL,
		AccessToken:  "tok",
		UserAgent:    "vedfolnir-test",
	}, srv.Client(), testLimiter(), testPolicy())
}

func TestPixelfedUpdateMediaCaption(t *testing.T) {
	var got pixelfedMediaUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/api/v1/media/m1", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	err := pixelfedTestClient(srv).UpdateMediaCaption(context.Background(), "1001", "m1", "A red bicycle.")
	require.NoError(t, err)
	assert.Equal(t, "A red bicycle.", got.Description)
}

func TestPixelfedUpdateMediaCaption_EmptyMediaID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatal("no request expected")
	}))
	defer srv.Close()

	err := pixelfedTestClient(srv).UpdateMediaCaption(context.Background(), "1001", "", "caption")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPixelfedListUsesCompatibilityAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/accounts/42/statuses", r.URL.Path)
		if r.URL.Query().Get("max_id") != "" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"id":"9","content":"<p>pic</p>"}]`))
	}))
	defer srv.Close()

	posts, err := pixelfedTestClient(srv).ListUserPosts(context.Background(), "42", 10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "9", posts[0].ID)
}
