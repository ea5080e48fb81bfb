package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// CaptionGenerationSettings bound a single task run. They serialize to the
// task row's settings JSONB column and must round-trip exactly.
type CaptionGenerationSettings struct {
	MaxPostsPerRun    int           `json:"max_posts_per_run"`
	MaxCaptionLength  int           `json:"max_caption_length"`
	OptimalMinLength  int           `json:"optimal_min_length"`
	OptimalMaxLength  int           `json:"optimal_max_length"`
	ReprocessExisting bool          `json:"reprocess_existing"`
	ProcessingDelay   time.Duration `json:"processing_delay"`
}

// DefaultCaptionGenerationSettings returns the built-in run settings.
func DefaultCaptionGenerationSettings() CaptionGenerationSettings {
	return CaptionGenerationSettings{
		MaxPostsPerRun:    50,
		MaxCaptionLength:  500,
		OptimalMinLength:  80,
		OptimalMaxLength:  200,
		ReprocessExisting: false,
		ProcessingDelay:   1 * time.Second,
	}
}

// Normalize fills zero-valued fields from the defaults.
func (s CaptionGenerationSettings) Normalize() CaptionGenerationSettings {
	d := DefaultCaptionGenerationSettings()
	if s.MaxPostsPerRun == 0 {
		s.MaxPostsPerRun = d.MaxPostsPerRun
	}
	if s.MaxCaptionLength == 0 {
		s.MaxCaptionLength = d.MaxCaptionLength
	}
	if s.OptimalMinLength == 0 {
		s.OptimalMinLength = d.OptimalMinLength
	}
	if s.OptimalMaxLength == 0 {
		s.OptimalMaxLength = d.OptimalMaxLength
	}
	return s
}

// Validate checks field bounds and cross-field consistency.
func (s CaptionGenerationSettings) Validate() error {
	if s.MaxPostsPerRun < 1 || s.MaxPostsPerRun > 500 {
		return fmt.Errorf("%w: max_posts_per_run must be in [1,500], got %d", ErrInvalidArgument, s.MaxPostsPerRun)
	}
	if s.MaxCaptionLength < 50 || s.MaxCaptionLength > 1000 {
		return fmt.Errorf("%w: max_caption_length must be in [50,1000], got %d", ErrInvalidArgument, s.MaxCaptionLength)
	}
	if s.OptimalMinLength < 20 {
		return fmt.Errorf("%w: optimal_min_length must be >= 20, got %d", ErrInvalidArgument, s.OptimalMinLength)
	}
	if s.OptimalMaxLength > s.MaxCaptionLength {
		return fmt.Errorf("%w: optimal_max_length %d exceeds max_caption_length %d", ErrInvalidArgument, s.OptimalMaxLength, s.MaxCaptionLength)
	}
	if s.OptimalMinLength >= s.OptimalMaxLength {
		return fmt.Errorf("%w: optimal_min_length %d must be below optimal_max_length %d", ErrInvalidArgument, s.OptimalMinLength, s.OptimalMaxLength)
	}
	if s.ProcessingDelay < 0 || s.ProcessingDelay > 30*time.Second {
		return fmt.Errorf("%w: processing_delay must be in [0,30s], got %s", ErrInvalidArgument, s.ProcessingDelay)
	}
	return nil
}

// Generation returns the run settings this preference row implies. Zero
// fields fall back to the built-in defaults.
func (s UserSettings) Generation() CaptionGenerationSettings {
	return CaptionGenerationSettings{
		MaxPostsPerRun:    s.MaxPostsPerRun,
		MaxCaptionLength:  s.MaxCaptionLength,
		OptimalMinLength:  s.OptimalMinLength,
		OptimalMaxLength:  s.OptimalMaxLength,
		ReprocessExisting: s.ReprocessExisting,
		ProcessingDelay:   s.ProcessingDelay,
	}.Normalize()
}

// GenerationResults summarize a finished (or partially finished) task run.
// Stored in the task row's results JSONB column.
type GenerationResults struct {
	TaskID            string         `json:"task_id"`
	BatchID           string         `json:"batch_id"`
	PostsProcessed    int            `json:"posts_processed"`
	ImagesProcessed   int            `json:"images_processed"`
	CaptionsGenerated int            `json:"captions_generated"`
	ErrorsCount       int            `json:"errors_count"`
	SkippedExisting   int            `json:"skipped_existing"`
	Partial           bool           `json:"partial"`
	FallbackAttempts  map[string]int `json:"fallback_attempts,omitempty"`
	ImageIDs          []string       `json:"image_ids,omitempty"`
	CompletedAt       time.Time      `json:"completed_at"`
}

// PromptCategory selects the caption prompt family for an image.
type PromptCategory string

const (
	PromptGeneral    PromptCategory = "general"
	PromptPortrait   PromptCategory = "portrait"
	PromptLandscape  PromptCategory = "landscape"
	PromptFood       PromptCategory = "food"
	PromptAnimal     PromptCategory = "animal"
	PromptArtwork    PromptCategory = "artwork"
	PromptScreenshot PromptCategory = "screenshot"
)

// SimplifyCategory maps a specific category to the coarse one used by
// fallback prompts. Unknown categories collapse to general.
func SimplifyCategory(c PromptCategory) PromptCategory {
	switch c {
	case PromptPortrait, PromptAnimal:
		return PromptPortrait
	case PromptLandscape, PromptFood, PromptArtwork, PromptScreenshot:
		return PromptGeneral
	default:
		return PromptGeneral
	}
}

// categoryHints maps post-text keywords to a prompt category. Checked in a
// fixed order so the guess is deterministic when several hints match.
var categoryHints = []struct {
	category PromptCategory
	words    []string
}{
	{PromptScreenshot, []string{"screenshot", "terminal", "code"}},
	{PromptFood, []string{"food", "dinner", "lunch", "breakfast", "recipe", "cooking", "meal", "baking", "restaurant"}},
	{PromptAnimal, []string{"cat", "cats", "dog", "dogs", "bird", "birds", "puppy", "kitten", "pet", "pets"}},
	{PromptArtwork, []string{"art", "painting", "drawing", "sketch", "illustration", "watercolor"}},
	{PromptPortrait, []string{"selfie", "portrait", "haircut", "cosplay"}},
	{PromptLandscape, []string{"landscape", "sunset", "sunrise", "mountain", "mountains", "beach", "hike", "hiking", "forest", "lake", "snow"}},
}

// CategoryForText guesses the prompt category from the post's plain text.
// No hint means general.
func CategoryForText(content string) PromptCategory {
	words := map[string]struct{}{}
	for _, w := range strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = struct{}{}
	}
	for _, hint := range categoryHints {
		for _, w := range hint.words {
			if _, ok := words[w]; ok {
				return hint.category
			}
		}
	}
	return PromptGeneral
}

// QualityLevel bands a 0-100 caption quality score.
type QualityLevel string

const (
	QualityPoor      QualityLevel = "poor"
	QualityFair      QualityLevel = "fair"
	QualityGood      QualityLevel = "good"
	QualityExcellent QualityLevel = "excellent"
)

// QualityLevelForScore maps a score to its band.
func QualityLevelForScore(score int) QualityLevel {
	switch {
	case score >= 85:
		return QualityExcellent
	case score >= 60:
		return QualityGood
	case score >= 40:
		return QualityFair
	default:
		return QualityPoor
	}
}
