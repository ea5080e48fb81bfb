// Package imagestore downloads post images into content-addressed local
// storage, validating that the payload really is an image and bounding both
// download size and pixel dimensions before anything reaches the vision model.
package imagestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "image/gif"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

const jpegQuality = 85

// Config bounds the store.
type Config struct {
	Dir          string
	MaxBytes     int64
	MaxDimension int
	HTTPTimeout  time.Duration
}

// Store is a content-addressed image cache keyed by source URL. Concurrent
// downloads of the same URL are collapsed to a single fetch.
type Store struct {
	cfg Config
	hc  *http.Client
	sf  singleflight.Group
}

// NewStore creates the storage directory and returns a ready store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("op=imagestore.New: %w: storage dir required", domain.ErrInvalidArgument)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 25 << 20
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = 2048
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("op=imagestore.New: %w", err)
	}
	return &Store{
		cfg: cfg,
		hc: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

type stored struct {
	path      string
	mediaType string
}

// Download implements domain.ImageDownloader.
func (s *Store) Download(ctx context.Context, imageURL string, reprocess bool) (string, string, error) {
	if imageURL == "" {
		return "", "", fmt.Errorf("op=imagestore.Download: %w: image url required", domain.ErrInvalidArgument)
	}
	key := urlKey(imageURL)
	v, err, _ := s.sf.Do(key, func() (any, error) {
		if !reprocess {
			if st, ok := s.lookup(key); ok {
				return st, nil
			}
		}
		return s.fetch(ctx, imageURL, key)
	})
	if err != nil {
		return "", "", err
	}
	st := v.(stored)
	return st.path, st.mediaType, nil
}

// lookup finds a previously stored file for the key regardless of which
// extension the sniffer assigned it.
func (s *Store) lookup(key string) (stored, bool) {
	matches, err := filepath.Glob(filepath.Join(s.cfg.Dir, key+".*"))
	if err != nil || len(matches) == 0 {
		return stored{}, false
	}
	return stored{path: matches[0], mediaType: mimeForExt(filepath.Ext(matches[0]))}, true
}

func (s *Store) fetch(ctx context.Context, imageURL, key string) (stored, error) {
	data, err := s.get(ctx, imageURL)
	if err != nil {
		return stored{}, err
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return stored{}, fmt.Errorf("op=imagestore.fetch: %w: %s is not an image (%s)",
			domain.ErrInvalidArgument, imageURL, mt.String())
	}

	data, mt, err = s.bound(data, mt)
	if err != nil {
		return stored{}, err
	}

	path := filepath.Join(s.cfg.Dir, key+mt.Extension())
	if err := writeAtomic(s.cfg.Dir, path, data); err != nil {
		return stored{}, fmt.Errorf("op=imagestore.fetch: %w", err)
	}
	slog.Debug("image stored",
		slog.String("url", imageURL), slog.String("path", path), slog.Int("bytes", len(data)))
	return stored{path: path, mediaType: mt.String()}, nil
}

func (s *Store) get(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("op=imagestore.get: %w", err)
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=imagestore.get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("op=imagestore.get: %s: %w", imageURL, domain.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("op=imagestore.get: %s: %w", imageURL, domain.ErrUpstreamRateLimit)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("op=imagestore.get: %s: status %d: %w",
			imageURL, resp.StatusCode, domain.ErrPlatformUnavailable)
	default:
		return nil, fmt.Errorf("op=imagestore.get: %s: status %d: %w",
			imageURL, resp.StatusCode, domain.ErrInvalidArgument)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("op=imagestore.get: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxBytes {
		return nil, fmt.Errorf("op=imagestore.get: %w: %s exceeds %d byte download cap",
			domain.ErrInvalidArgument, imageURL, s.cfg.MaxBytes)
	}
	return data, nil
}

// bound re-encodes images whose longest side exceeds MaxDimension. The
// resized copy is always JPEG; animated sources lose animation, which is
// fine for captioning.
func (s *Store) bound(data []byte, mt *mimetype.MIME) ([]byte, *mimetype.MIME, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("op=imagestore.bound: %w: undecodable image (%s)",
			domain.ErrInvalidArgument, mt.String())
	}
	if cfg.Width <= s.cfg.MaxDimension && cfg.Height <= s.cfg.MaxDimension {
		return data, mt, nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("op=imagestore.bound: decode: %w", err)
	}
	w, h := fitWithin(cfg.Width, cfg.Height, s.cfg.MaxDimension)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if mt.Is("image/png") {
		if err := png.Encode(&buf, dst); err != nil {
			return nil, nil, fmt.Errorf("op=imagestore.bound: encode: %w", err)
		}
		return buf.Bytes(), mt, nil
	}
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, nil, fmt.Errorf("op=imagestore.bound: encode: %w", err)
	}
	return buf.Bytes(), mimetype.Lookup("image/jpeg"), nil
}

func fitWithin(w, h, maxDim int) (int, int) {
	if w >= h {
		return maxDim, maxInt(1, h*maxDim/w)
	}
	return maxInt(1, w*maxDim/h), maxDim
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func urlKey(imageURL string) string {
	sum := sha256.Sum256([]byte(imageURL))
	return hex.EncodeToString(sum[:16])
}

// writeAtomic writes through a temp file in the same directory so readers
// never observe a partial image.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

func mimeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
