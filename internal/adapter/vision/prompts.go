package vision

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// PromptTable maps caption categories to prompt text, with simplified and
// simplest variants for the fallback ladder.
type PromptTable struct {
	Prompts    map[domain.PromptCategory]string `yaml:"prompts"`
	Simplified map[domain.PromptCategory]string `yaml:"simplified"`
	Simplest   string                           `yaml:"simplest"`
}

const promptPreamble = "You are writing alt text for a social media image. " +
	"Describe only what is visible. One or two sentences, plain language, " +
	"no preamble, no opinions, no 'image of' or 'photo of' phrasing."

// DefaultPrompts returns the built-in prompt table.
func DefaultPrompts() PromptTable {
	return PromptTable{
		Prompts: map[domain.PromptCategory]string{
			domain.PromptGeneral:    promptPreamble + " Describe the scene and its key subjects.",
			domain.PromptPortrait:   promptPreamble + " Describe the person or people: appearance, expression, setting.",
			domain.PromptLandscape:  promptPreamble + " Describe the landscape: terrain, light, weather, notable features.",
			domain.PromptFood:       promptPreamble + " Describe the dish: what it is, presentation, notable ingredients.",
			domain.PromptAnimal:     promptPreamble + " Describe the animal: species, pose, surroundings.",
			domain.PromptArtwork:    promptPreamble + " Describe the artwork: medium, style, subject.",
			domain.PromptScreenshot: promptPreamble + " Describe the screenshot: application, visible text, layout.",
		},
		Simplified: map[domain.PromptCategory]string{
			domain.PromptGeneral:  "Describe this image in one short sentence for alt text. Only what is visible.",
			domain.PromptPortrait: "Describe the person in this image in one short sentence for alt text.",
		},
		Simplest: "Describe this image in one sentence.",
	}
}

// LoadPrompts reads a YAML prompt table, overlaying the defaults so a partial
// file only replaces the categories it names.
func LoadPrompts(path string) (PromptTable, error) {
	table := DefaultPrompts()
	if path == "" {
		return table, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return PromptTable{}, fmt.Errorf("op=vision.load_prompts: %w", err)
	}
	var loaded PromptTable
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return PromptTable{}, fmt.Errorf("op=vision.load_prompts: %s: %w", path, err)
	}
	for cat, p := range loaded.Prompts {
		table.Prompts[cat] = p
	}
	for cat, p := range loaded.Simplified {
		table.Simplified[cat] = p
	}
	if loaded.Simplest != "" {
		table.Simplest = loaded.Simplest
	}
	return table, nil
}

// For returns the prompt for a category, falling back to general.
func (t PromptTable) For(category domain.PromptCategory) string {
	if p, ok := t.Prompts[category]; ok {
		return p
	}
	return t.Prompts[domain.PromptGeneral]
}

// SimplifiedFor returns the fallback prompt for a category after collapsing
// it to its coarse form.
func (t PromptTable) SimplifiedFor(category domain.PromptCategory) string {
	coarse := domain.SimplifyCategory(category)
	if p, ok := t.Simplified[coarse]; ok {
		return p
	}
	return t.Simplified[domain.PromptGeneral]
}
