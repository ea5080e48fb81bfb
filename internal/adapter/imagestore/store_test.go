package imagestore

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := NewStore(cfg)
	require.NoError(t, err)
	return s
}

func TestStore_DownloadStoresImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes(t, 10, 10))
	}))
	defer srv.Close()

	s := newTestStore(t, Config{})
	path, mediaType, err := s.Download(context.Background(), srv.URL+"/img.png", false)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mediaType)
	assert.True(t, strings.HasSuffix(path, ".png"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pngBytes(t, 10, 10), data)
}

func TestStore_ReusesExistingUnlessReprocess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(pngBytes(t, 10, 10))
	}))
	defer srv.Close()

	s := newTestStore(t, Config{})
	url := srv.URL + "/img.png"

	first, _, err := s.Download(context.Background(), url, false)
	require.NoError(t, err)
	second, _, err := s.Download(context.Background(), url, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load())

	_, _, err = s.Download(context.Background(), url, true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestStore_RejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body>not found page pretending to be 200</body></html>"))
	}))
	defer srv.Close()

	s := newTestStore(t, Config{})
	_, _, err := s.Download(context.Background(), srv.URL+"/img.png", false)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "not an image")
}

func TestStore_BoundsOversizedImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes(t, 300, 100))
	}))
	defer srv.Close()

	s := newTestStore(t, Config{MaxDimension: 128})
	path, mediaType, err := s.Download(context.Background(), srv.URL+"/wide.png", false)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mediaType)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	cfg, _, err := image.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Width)
	assert.Equal(t, 42, cfg.Height)
}

func TestStore_EnforcesDownloadCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes(t, 200, 200))
	}))
	defer srv.Close()

	s := newTestStore(t, Config{MaxBytes: 64})
	_, _, err := s.Download(context.Background(), srv.URL+"/big.png", false)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "download cap")
}

func TestStore_MapsUpstreamStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"gone media", http.StatusGone, domain.ErrNotFound},
		{"rate limited", http.StatusTooManyRequests, domain.ErrUpstreamRateLimit},
		{"server error", http.StatusBadGateway, domain.ErrPlatformUnavailable},
		{"forbidden", http.StatusForbidden, domain.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			s := newTestStore(t, Config{})
			_, _, err := s.Download(context.Background(), srv.URL+"/x", false)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStore_EmptyURL(t *testing.T) {
	s := newTestStore(t, Config{})
	_, _, err := s.Download(context.Background(), "", false)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestNewStore_RequiresDir(t *testing.T) {
	_, err := NewStore(Config{Dir: ""})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
