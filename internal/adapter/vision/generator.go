package vision

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/cenkalti/backoff/v4"

	obsmetrics "github.com/vedfolnir/vedfolnir/internal/adapter/observability"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/service/ratelimiter"
	"github.com/vedfolnir/vedfolnir/pkg/textx"
)

// attempt outcome keys, exposed in per-task fallback statistics
const (
	StatPrimarySuccess        = "primary_success"
	StatPrimaryFailedQuality  = "primary_failed_quality"
	StatPrimaryFailedError    = "primary_failed_error"
	StatFallback1Success      = "fallback_1_success"
	StatFallback1FailedQual   = "fallback_1_failed_quality"
	StatFallback1FailedError  = "fallback_1_failed_error"
	StatFallback2Success      = "fallback_2_success"
	StatFallback2FailedQual   = "fallback_2_failed_quality"
	StatFallback2FailedError  = "fallback_2_failed_error"
	StatExhaustedBestEffort   = "exhausted_best_effort"
	StatExhaustedNoCandidates = "exhausted_no_candidates"
)

// GeneratorConfig tunes the ladder.
type GeneratorConfig struct {
	Model            string
	BackupModel      string
	BackupEnabled    bool
	FallbackEnabled  bool
	QualityThreshold int
	RetryPolicy      ratelimiter.RetryPolicy
}

// Generator produces captions with quality gating and fallback. It implements
// the caption generator port.
type Generator struct {
	client  *OllamaClient
	prompts PromptTable
	cfg     GeneratorConfig

	// Stats counts attempt outcomes by reason across the generator's
	// lifetime; per-task tallies come back on each result.
	stats *fallbackStats
}

// NewGenerator builds a Generator.
func NewGenerator(client *OllamaClient, prompts PromptTable, cfg GeneratorConfig) *Generator {
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = 40
	}
	return &Generator{client: client, prompts: prompts, cfg: cfg, stats: newFallbackStats()}
}

// ladderStep is one rung: a prompt and the model to run it on.
type ladderStep struct {
	prompt     string
	model      string
	successKey string
	qualKey    string
	errKey     string
	reason     string
}

// Generate walks the ladder for the image at path. The first caption at or
// above the quality threshold wins; when every rung falls short the best
// scoring candidate is returned flagged for special review.
func (g *Generator) Generate(ctx context.Context, imagePath string, category domain.PromptCategory, settings domain.CaptionGenerationSettings) (domain.CaptionResult, error) {
	raw, err := os.ReadFile(imagePath)
	if err != nil {
		return domain.CaptionResult{}, fmt.Errorf("op=vision.Generate: read image: %w", err)
	}
	imageB64 := base64.StdEncoding.EncodeToString(raw)

	steps := g.ladder(category)
	var (
		best       domain.CaptionResult
		bestOK     bool
		lastErr    error
		taskCounts = map[string]int{}
	)
	for i, step := range steps {
		if i > 0 {
			obsmetrics.ObserveFallback(step.reason)
		}
		caption, err := g.generateOnce(ctx, step.model, step.prompt, imageB64)
		if err != nil {
			lastErr = err
			taskCounts[step.errKey]++
			g.stats.add(step.errKey)
			slog.Warn("caption attempt failed",
				slog.Int("rung", i), slog.String("model", step.model), slog.Any("error", err))
			if ctx.Err() != nil {
				return domain.CaptionResult{}, fmt.Errorf("op=vision.Generate: %w", ctx.Err())
			}
			continue
		}
		caption = textx.ClampCaption(textx.SanitizeText(caption), settings.MaxCaptionLength)
		verdict := AssessQuality(caption, settings)
		obsmetrics.ObserveCaption(step.model, string(verdict.Level), verdict.Score)
		obsmetrics.RecordCaptionQuality(step.model, float64(verdict.Score))

		result := domain.CaptionResult{
			Caption:      caption,
			PromptUsed:   step.prompt,
			ModelUsed:    step.model,
			QualityScore: verdict.Score,
			QualityLevel: verdict.Level,
		}
		if verdict.Score >= g.cfg.QualityThreshold {
			taskCounts[step.successKey]++
			g.stats.add(step.successKey)
			if i > 0 {
				result.FallbackReason = step.reason
			}
			result.Attempts = taskCounts
			return result, nil
		}
		taskCounts[step.qualKey]++
		g.stats.add(step.qualKey)
		if !bestOK || verdict.Score > best.QualityScore {
			best = result
			bestOK = true
		}
		if !g.cfg.FallbackEnabled {
			break
		}
	}

	if bestOK {
		taskCounts[StatExhaustedBestEffort]++
		g.stats.add(StatExhaustedBestEffort)
		best.NeedsSpecialReview = true
		best.FallbackReason = "quality_threshold_not_met"
		best.Attempts = taskCounts
		return best, nil
	}
	taskCounts[StatExhaustedNoCandidates]++
	g.stats.add(StatExhaustedNoCandidates)
	if lastErr == nil {
		lastErr = domain.ErrInternal
	}
	return domain.CaptionResult{}, fmt.Errorf("op=vision.Generate: ladder exhausted: %w", lastErr)
}

// ladder builds the rungs for a category: the category prompt on the primary
// model, the simplified prompt on the primary model, and the simplest prompt
// on the backup model when one is configured and distinct.
func (g *Generator) ladder(category domain.PromptCategory) []ladderStep {
	steps := []ladderStep{{
		prompt:     g.prompts.For(category),
		model:      g.cfg.Model,
		successKey: StatPrimarySuccess,
		qualKey:    StatPrimaryFailedQuality,
		errKey:     StatPrimaryFailedError,
	}}
	if !g.cfg.FallbackEnabled {
		return steps
	}
	steps = append(steps, ladderStep{
		prompt:     g.prompts.SimplifiedFor(category),
		model:      g.cfg.Model,
		successKey: StatFallback1Success,
		qualKey:    StatFallback1FailedQual,
		errKey:     StatFallback1FailedError,
		reason:     "simplified_prompt",
	})
	finalModel := g.cfg.Model
	reason := "simplest_prompt"
	if g.cfg.BackupEnabled && g.cfg.BackupModel != "" && g.cfg.BackupModel != g.cfg.Model {
		finalModel = g.cfg.BackupModel
		reason = "backup_model"
	}
	steps = append(steps, ladderStep{
		prompt:     g.prompts.Simplest,
		model:      finalModel,
		successKey: StatFallback2Success,
		qualKey:    StatFallback2FailedQual,
		errKey:     StatFallback2FailedError,
		reason:     reason,
	})
	return steps
}

// generateOnce runs a single rung with retry on transient failures.
func (g *Generator) generateOnce(ctx context.Context, model, prompt, imageB64 string) (string, error) {
	var caption string
	err := ratelimiter.Do(ctx, "vision generate "+model, g.cfg.RetryPolicy, func() error {
		out, err := g.client.Generate(ctx, model, prompt, imageB64)
		if err != nil {
			if !domain.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		caption = out
		return nil
	})
	return caption, err
}

// Stats returns a snapshot of lifetime attempt outcome counts.
func (g *Generator) Stats() map[string]int { return g.stats.snapshot() }

// fallbackStats is a mutex-guarded outcome counter.
type fallbackStats struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFallbackStats() *fallbackStats {
	return &fallbackStats{counts: make(map[string]int)}
}

func (s *fallbackStats) add(key string) {
	s.mu.Lock()
	s.counts[key]++
	s.mu.Unlock()
}

func (s *fallbackStats) snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}
