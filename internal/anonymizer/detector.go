package anonymizer

import (
	"context"
	"strings"
	"unicode"
)

// Detector proposes sensitive spans in text.
//
// Implementations must not return a Match overlapping any span in excluded
// and must not retain or modify text. An error means "this stage found
// nothing"; the pipeline logs it and continues with the next stage.
type Detector interface {
	Name() Stage
	Detect(ctx context.Context, text string, excluded []Span) ([]Match, error)
}

// Entitlements answers feature gates owned by the licensing layer.
type Entitlements interface {
	CanUseFeature(feature string) bool
}

// FeatureMemory gates the learned-rule stage.
const FeatureMemory = "memory"

// AllowAll is an Entitlements that grants every feature.
type AllowAll struct{}

// CanUseFeature always returns true.
func (AllowAll) CanUseFeature(string) bool { return true }

// isWordRune mirrors \w for Unicode text: letters, digits and underscore.
func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// wordBoundaryAt reports whether byte offset i in text sits between a word
// rune and a non-word rune (or the text edge), the Unicode analogue of \b.
func wordBoundaryAt(text string, i int) bool {
	var before, after bool
	if i > 0 {
		r := lastRune(text[:i])
		before = isWordRune(r)
	}
	if i < len(text) {
		r := firstRune(text[i:])
		after = isWordRune(r)
	}
	return before != after
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

func lastRune(s string) rune {
	// Walk back to the start of the final rune.
	i := len(s) - 1
	for i > 0 && !isRuneStart(s, i) {
		i--
	}
	return firstRune(s[i:])
}

// normalizeCategory upper-cases a user-supplied category and replaces every
// rune outside [A-Z_] so the resulting placeholder stays inside the token
// grammar.
func normalizeCategory(category string) string {
	category = strings.ToUpper(strings.TrimSpace(category))
	if category == "" {
		return CategoryLearnedRule
	}
	var b strings.Builder
	for _, r := range category {
		if (r >= 'A' && r <= 'Z') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return CategoryLearnedRule
	}
	return out
}
