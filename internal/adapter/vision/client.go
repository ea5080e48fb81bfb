// Package vision generates image captions through an Ollama-compatible
// vision model, scores them, and walks a fallback ladder until a caption
// clears the quality gate or the ladder is exhausted.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/observability"
)

// OllamaClient talks to an Ollama /api/generate endpoint. Every call runs
// through an observable wrapper that traces it, records vision metrics and
// adapts the per-call timeout to what the model has actually been taking.
type OllamaClient struct {
	baseURL     string
	hc          *http.Client
	temperature float64
	obs         *observability.IntegratedObservableClient
}

// NewOllamaClient creates a client for the given endpoint. timeout is the
// starting per-call budget; vision models routinely take tens of seconds, so
// the adaptive manager may stretch it up to twice that under load.
func NewOllamaClient(baseURL string, timeout time.Duration, temperature float64) *OllamaClient {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	base := strings.TrimRight(baseURL, "/")
	return &OllamaClient{
		baseURL:     base,
		hc:          &http.Client{Timeout: 2 * timeout},
		temperature: temperature,
		obs: observability.NewIntegratedObservableClient(
			observability.ConnectionTypeVision,
			observability.OperationTypeGenerate,
			base, "ollama",
			timeout, timeout/4, 2*timeout,
		),
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Images  []string        `json:"images,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options,omitempty"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate runs one non-streaming generation with the base64 image attached
// and returns the raw model output.
func (c *OllamaClient) Generate(ctx context.Context, model, prompt, imageB64 string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   model,
		Prompt:  prompt,
		Images:  []string{imageB64},
		Stream:  false,
		Options: generateOptions{Temperature: c.temperature},
	})
	if err != nil {
		return "", fmt.Errorf("op=vision.generate: marshal: %w", err)
	}

	var out generateResponse
	err = c.obs.ExecuteWithMetrics(ctx, "generate", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("op=vision.generate: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("op=vision.generate: model %s: %w", model, domain.ErrUpstreamTimeout)
			}
			return fmt.Errorf("op=vision.generate: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			if resp.StatusCode == http.StatusNotFound {
				return fmt.Errorf("op=vision.generate: model %s not available: %s: %w", model, snippet, domain.ErrInvalidArgument)
			}
			return fmt.Errorf("op=vision.generate: status %d: %s: %w", resp.StatusCode, snippet, domain.ErrPlatformUnavailable)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("op=vision.generate: decode: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Response), nil
}
