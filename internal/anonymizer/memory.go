package anonymizer

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"ghostlayer/internal/logger"
)

// Rule is a user-declared phrase that must always be masked as Category.
type Rule struct {
	Pattern  string
	Category string
}

// RuleSource supplies the currently active learned rules.
type RuleSource interface {
	ListActiveRules() ([]Rule, error)
}

// MemoryDetector masks user-declared phrases. It is the highest-priority
// stage: user knowledge wins over generic heuristics.
type MemoryDetector struct {
	rules RuleSource
	gate  Entitlements
	log   *logger.Logger
}

// NewMemoryDetector returns a detector reading rules from src, active only
// while gate grants FeatureMemory. A nil gate grants everything.
func NewMemoryDetector(src RuleSource, gate Entitlements, log *logger.Logger) *MemoryDetector {
	if gate == nil {
		gate = AllowAll{}
	}
	return &MemoryDetector{rules: src, gate: gate, log: log}
}

// Name implements Detector.
func (d *MemoryDetector) Name() Stage { return StageMemory }

// Detect scans text once with a case-insensitive alternation of all rules,
// longest rule first.
func (d *MemoryDetector) Detect(ctx context.Context, text string, excluded []Span) ([]Match, error) {
	if d.rules == nil || !d.gate.CanUseFeature(FeatureMemory) {
		d.log.Debug("memory_gate", "learned rules unavailable, stage skipped")
		return nil, nil
	}
	rules, err := d.rules.ListActiveRules()
	if err != nil {
		return nil, fmt.Errorf("list learned rules: %w", err)
	}
	re, ordered := compileRules(rules)
	if re == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Folded, whitespace-collapsed phrase -> category, longest rule first wins.
	// A Caser is stateful, so each call gets its own.
	fold := cases.Fold()
	categories := make(map[string]string, len(ordered))
	for _, r := range ordered {
		key := foldKey(fold, r.Pattern)
		if _, ok := categories[key]; !ok {
			categories[key] = normalizeCategory(r.Category)
		}
	}

	var matches []Match
	for _, loc := range re.FindAllStringIndex(text, -1) {
		sp := Span{Start: loc[0], End: loc[1]}
		if sp.Len() == 0 || overlapsAny(sp, excluded) {
			continue
		}
		found := text[sp.Start:sp.End]
		category, ok := categories[foldKey(fold, found)]
		if !ok {
			category = CategoryLearnedRule
		}
		matches = append(matches, Match{Span: sp, Category: category, Text: found, Source: StageMemory})
	}
	d.log.Debugf("memory_scan", "%d rules, %d matches", len(ordered), len(matches))
	return matches, nil
}

// foldKey folds case and collapses whitespace so a phrase matched across
// reformatted whitespace still resolves to its rule.
func foldKey(fold cases.Caser, s string) string {
	return fold.String(strings.Join(strings.Fields(s), " "))
}

// compileRules builds one case-insensitive alternation. Rules are ordered
// by length descending so RE2's leftmost-first alternation prefers the more
// specific phrase. Internal whitespace runs become \s+.
func compileRules(rules []Rule) (*regexp.Regexp, []Rule) {
	ordered := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if strings.TrimSpace(r.Pattern) != "" {
			ordered = append(ordered, r)
		}
	}
	if len(ordered) == 0 {
		return nil, nil
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(ordered[i].Pattern), utf8.RuneCountInString(ordered[j].Pattern)
		if li != lj {
			return li > lj
		}
		return ordered[i].Pattern < ordered[j].Pattern
	})

	alts := make([]string, len(ordered))
	for i, r := range ordered {
		words := strings.Fields(r.Pattern)
		for k, w := range words {
			words[k] = regexp.QuoteMeta(w)
		}
		alts[i] = strings.Join(words, `\s+`)
	}
	// QuoteMeta output always compiles; MustCompile only guards programmer error.
	return regexp.MustCompile(`(?i)(?:` + strings.Join(alts, "|") + `)`), ordered
}
