// Package anonymizer detects sensitive spans in a document, replaces them with
// stable placeholder tokens and reverses the replacement on model output.
//
// Detection runs in three stages, always against the ORIGINAL text and always
// in this priority order:
//  1. Memory: user-declared phrases from the learned-rule store
//  2. Regex: a fixed table of structured patterns (email, phone, IDs, ...)
//  3. NLP: named-entity models for Cyrillic and Latin script
//
// Each stage receives the spans already claimed by earlier stages and may not
// overlap them. The accepted matches are then rewritten once into placeholders
// of the form [CATEGORY_N]. Offsets are byte offsets into the original UTF-8
// text and always fall on rune boundaries.
package anonymizer

import (
	"fmt"
	"regexp"
)

// Stage identifies a detector stage or a pipeline state.
type Stage string

// Pipeline states. The detector stages double as Match.Source values.
const (
	StageIdle        Stage = "Idle"
	StageMemory      Stage = "Memory"
	StagePattern     Stage = "Regex"
	StageNamedEntity Stage = "NLP"
	StageMasking     Stage = "Masking"
	StageDone        Stage = "Done"

	// StageLLM marks entities recovered from placeholders the model invented.
	StageLLM Stage = "LLM"
)

// Shared category vocabulary produced outside the pattern table.
const (
	CategoryPerson       = "PERSON"
	CategoryOrganization = "ORGANIZATION"
	CategoryLocation     = "LOC"
	CategoryLearnedRule  = "LEARNED_RULE"
)

// Span is a half-open byte range [Start, End) in the original text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Overlaps reports whether s and o share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && s.End > o.Start
}

// Len returns the span width in bytes.
func (s Span) Len() int { return s.End - s.Start }

// valid reports whether s is a non-empty span inside text on rune boundaries.
func (s Span) valid(text string) bool {
	if s.Start < 0 || s.End > len(text) || s.Start >= s.End {
		return false
	}
	return isRuneStart(text, s.Start) && isRuneStart(text, s.End)
}

// overlapsAny reports whether s overlaps any span in spans.
func overlapsAny(s Span, spans []Span) bool {
	for _, o := range spans {
		if s.Overlaps(o) {
			return true
		}
	}
	return false
}

// Match is a candidate sensitive span proposed by one detector.
type Match struct {
	Span
	Category string
	Text     string
	Source   Stage
}

// Entity is an accepted match after masking. Start and End always refer to
// the original, unmasked text.
type Entity struct {
	ID       string `json:"id" cbor:"id"`
	Text     string `json:"originalText" cbor:"text"`
	Category string `json:"category" cbor:"category"`
	Source   Stage  `json:"sourceStage" cbor:"source"`
	Start    int    `json:"originalStart" cbor:"start"`
	End      int    `json:"originalEnd" cbor:"end"`
	Active   bool   `json:"active" cbor:"active"`
}

// Span returns the entity's position in the original text.
func (e Entity) Span() Span { return Span{Start: e.Start, End: e.End} }

// Result is the output of one anonymization run.
type Result struct {
	Text     string         `json:"anonymizedText"`
	Entities []Entity       `json:"entities"`
	Stats    map[string]int `json:"stats"`
}

// ProgressFunc receives advisory progress updates: processed and total are
// measured in bytes of the original text.
type ProgressFunc func(processed, total int, stage string)

// placeholderRe is the placeholder token grammar shared by every component.
var placeholderRe = regexp.MustCompile(`\[([A-Z_]+)_([0-9]+)\]`)

// Placeholder formats the token for the n-th entity of category.
func Placeholder(category string, n int) string {
	return fmt.Sprintf("[%s_%d]", category, n)
}

// IsPlaceholder reports whether s is exactly one placeholder token.
func IsPlaceholder(s string) bool {
	loc := placeholderRe.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

func isRuneStart(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}
