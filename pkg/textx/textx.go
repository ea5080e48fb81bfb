// Package textx provides small text utilities used across the project.
package textx

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var stripPolicy = bluemonday.StrictPolicy()

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// HTMLToPlainText strips all markup from platform-rendered HTML and unescapes
// entities, preserving paragraph breaks as newlines. Mastodon statuses arrive
// as HTML; edits must send back plain text.
func HTMLToPlainText(s string) string {
	s = strings.ReplaceAll(s, "</p>", "\n\n")
	s = strings.ReplaceAll(s, "<br>", "\n")
	s = strings.ReplaceAll(s, "<br/>", "\n")
	s = strings.ReplaceAll(s, "<br />", "\n")
	s = stripPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	return SanitizeText(s)
}

// ClampCaption trims a caption to maxLen runes, cutting at the last word
// boundary when one exists in the tail.
func ClampCaption(s string, maxLen int) string {
	s = SanitizeText(s)
	if maxLen <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	clipped := string(runes[:maxLen])
	if idx := strings.LastIndexFunc(clipped, unicode.IsSpace); idx > maxLen/2 {
		clipped = clipped[:idx]
	}
	return strings.TrimSpace(clipped)
}

// MeaningfulAltText reports whether existing alt text carries information.
// Blank, whitespace-only and emoji/punctuation-only strings do not.
func MeaningfulAltText(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
