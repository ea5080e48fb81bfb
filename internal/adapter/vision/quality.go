package vision

import (
	"strings"
	"unicode"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// Assessment is the quality verdict on one generated caption.
type Assessment struct {
	Score   int
	Level   domain.QualityLevel
	Reasons []string
}

// hard rejects: the model talking about itself or refusing instead of
// describing the image. Matching any of these zeroes the score.
var metaPhrases = []string{
	"i cannot",
	"i can't",
	"i am unable",
	"i'm unable",
	"i am sorry",
	"i'm sorry",
	"sorry,",
	"as an ai",
	"as a language model",
	"i don't have the ability",
	"no image provided",
	"unable to view",
	"cannot see the image",
}

// fillers that pad captions without describing anything
var fillerPhrases = []string{
	"image of",
	"photo of",
	"picture of",
	"this image shows",
	"the image depicts",
	"in this image",
	"a screenshot of a screenshot",
}

// AssessQuality scores a caption 0-100. Length is judged against the settings'
// optimal band; content and clarity adjust within it. Meta/refusal phrasing is
// a hard reject.
func AssessQuality(caption string, settings domain.CaptionGenerationSettings) Assessment {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return Assessment{Score: 0, Level: domain.QualityPoor, Reasons: []string{"empty caption"}}
	}
	lower := strings.ToLower(caption)
	for _, phrase := range metaPhrases {
		if strings.Contains(lower, phrase) {
			return Assessment{Score: 0, Level: domain.QualityPoor, Reasons: []string{"refusal or meta commentary: " + phrase}}
		}
	}

	score := 100
	var reasons []string

	// length band
	n := len([]rune(caption))
	switch {
	case n < 20:
		score -= 45
		reasons = append(reasons, "far too short")
	case n < settings.OptimalMinLength:
		score -= 20
		reasons = append(reasons, "below optimal length")
	case n > settings.MaxCaptionLength:
		score -= 35
		reasons = append(reasons, "exceeds maximum length")
	case n > settings.OptimalMaxLength:
		score -= 10
		reasons = append(reasons, "above optimal length")
	}

	// content: filler phrasing
	for _, phrase := range fillerPhrases {
		if strings.Contains(lower, phrase) {
			score -= 15
			reasons = append(reasons, "filler phrasing: "+phrase)
			break
		}
	}

	// clarity: sentence shape
	if r := []rune(caption)[0]; !unicode.IsUpper(r) && unicode.IsLetter(r) {
		score -= 5
		reasons = append(reasons, "does not start with a capital")
	}
	if !strings.ContainsAny(caption[len(caption)-1:], ".!?") {
		score -= 5
		reasons = append(reasons, "missing terminal punctuation")
	}
	if repeated := mostRepeatedWord(lower); repeated > 3 {
		score -= 20
		reasons = append(reasons, "heavy word repetition")
	}

	if score < 0 {
		score = 0
	}
	return Assessment{Score: score, Level: domain.QualityLevelForScore(score), Reasons: reasons}
}

// mostRepeatedWord counts the highest occurrence of any word of four or more
// letters. Stop-word length words repeat naturally and are ignored.
func mostRepeatedWord(lower string) int {
	counts := make(map[string]int)
	max := 0
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		if len(w) < 4 {
			continue
		}
		counts[w]++
		if counts[w] > max {
			max = counts[w]
		}
	}
	return max
}
