package anonymizer

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Context limits for recovering entities from model-invented placeholders.
const (
	syncContextRunes = 50  // runes of model output read on each side
	syncAnchorRunes  = 20  // literal runes nearest the token used as anchor
	syncMaxValue     = 200 // longest value, in runes, accepted as an entity
)

const wildcard = `.*?`

// Restore replaces every placeholder of a known entity in output with its
// original text. Unknown placeholders are left untouched.
func Restore(output string, entities []Entity) string {
	text, _ := RestoreCount(output, entities)
	return text
}

// RestoreCount is Restore that also reports how many placeholders were replaced.
func RestoreCount(output string, entities []Entity) (string, int) {
	if len(entities) == 0 {
		return output, 0
	}
	originals := ledgerIndex(entities)
	n := 0
	text := placeholderRe.ReplaceAllStringFunc(output, func(tok string) string {
		if orig, ok := originals[tok]; ok {
			n++
			return orig
		}
		return tok
	})
	return text, n
}

// ledgerIndex maps placeholder id to original text; the first entity with
// a given id wins.
func ledgerIndex(entities []Entity) map[string]string {
	idx := make(map[string]string, len(entities))
	for _, e := range entities {
		if _, dup := idx[e.ID]; !dup {
			idx[e.ID] = e.Text
		}
	}
	return idx
}

// SyncNewEntities recovers entities for placeholders in output that the
// ledger does not know, typically ones the model invented. For each unknown
// token the literal text around it in output is located in original; the
// text between the two context anchors becomes the new entity. Tokens whose
// context cannot be matched are skipped. Returned entities are active,
// sourced from StageLLM, and ordered by first appearance in output.
func SyncNewEntities(original, output string, entities []Entity) []Entity {
	known := ledgerIndex(entities)
	taken := make([]Span, 0, len(entities))
	for _, e := range entities {
		taken = append(taken, e.Span())
	}

	seen := make(map[string]bool)
	var found []Entity
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(output, -1) {
		tok := output[loc[0]:loc[1]]
		if _, ok := known[tok]; ok || seen[tok] {
			continue
		}
		seen[tok] = true

		before := lastRunes(output[:loc[0]], syncContextRunes)
		after := firstRunes(output[loc[1]:], syncContextRunes)
		e, ok := locate(original, before, after, known, taken)
		if !ok {
			continue
		}
		e.ID = tok
		e.Category = output[loc[2]:loc[3]]
		found = append(found, e)
		taken = append(taken, e.Span())
	}
	return found
}

// locate searches original for before + (value) + after and returns the
// trimmed value anchored at its position.
func locate(original, before, after string, known map[string]string, taken []Span) (Entity, bool) {
	left := contextParts(before, known)
	right := contextParts(after, known)
	left = keepNearest(left, true)
	right = keepNearest(right, false)
	if !hasLiteral(left) && !hasLiteral(right) {
		return Entity{}, false
	}

	// A side without literal context anchors at the line edge, and the value
	// then may not cross a line break.
	leftExpr, rightExpr, capture := `(?m:^)`, `(?m:$)`, `([^\n]+?)`
	if hasLiteral(left) {
		leftExpr = joinParts(left)
	}
	if hasLiteral(right) {
		rightExpr = joinParts(right)
	}
	if hasLiteral(left) && hasLiteral(right) {
		capture = `(.+?)`
	}
	re, err := regexp.Compile(`(?s)` + leftExpr + capture + rightExpr)
	if err != nil {
		return Entity{}, false
	}

	for _, m := range re.FindAllStringSubmatchIndex(original, -1) {
		start, end := m[2], m[3]
		value := original[start:end]
		trimmed := strings.TrimLeftFunc(value, unicode.IsSpace)
		start += len(value) - len(trimmed)
		trimmed = strings.TrimRightFunc(trimmed, unicode.IsSpace)
		end = start + len(trimmed)

		n := utf8.RuneCountInString(trimmed)
		if n < 1 || n > syncMaxValue {
			continue
		}
		sp := Span{Start: start, End: end}
		if overlapsAny(sp, taken) {
			continue
		}
		return Entity{Text: trimmed, Source: StageLLM, Start: start, End: end, Active: true}, true
	}
	return Entity{}, false
}

// part is a piece of context: literal text or, when wild, a lazy wildcard
// standing in for an unknown placeholder.
type part struct {
	text string
	wild bool
}

// contextParts splits context at placeholders, expanding known ones to
// their original text.
func contextParts(context string, known map[string]string) []part {
	var parts []part
	prev := 0
	for _, loc := range placeholderRe.FindAllStringIndex(context, -1) {
		if loc[0] > prev {
			parts = append(parts, part{text: context[prev:loc[0]]})
		}
		if orig, ok := known[context[loc[0]:loc[1]]]; ok {
			parts = append(parts, part{text: orig})
		} else {
			parts = append(parts, part{wild: true})
		}
		prev = loc[1]
	}
	if prev < len(context) {
		parts = append(parts, part{text: context[prev:]})
	}
	return parts
}

// keepNearest keeps at most syncAnchorRunes literal runes, counted from the
// token outwards: from the end of the before-context (nearEnd) or from the
// start of the after-context. Wildcards are kept while budget remains.
func keepNearest(parts []part, nearEnd bool) []part {
	budget := syncAnchorRunes
	var kept []part
	take := func(p part) bool {
		if budget == 0 {
			return false
		}
		if p.wild {
			kept = append(kept, p)
			return true
		}
		if n := utf8.RuneCountInString(p.text); n > budget {
			if nearEnd {
				p.text = lastRunes(p.text, budget)
			} else {
				p.text = firstRunes(p.text, budget)
			}
		}
		budget -= utf8.RuneCountInString(p.text)
		kept = append(kept, p)
		return true
	}
	if nearEnd {
		for i := len(parts) - 1; i >= 0 && take(parts[i]); i-- {
		}
		// Collected back to front; restore document order.
		for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
			kept[i], kept[j] = kept[j], kept[i]
		}
	} else {
		for i := 0; i < len(parts) && take(parts[i]); i++ {
		}
	}
	return kept
}

func hasLiteral(parts []part) bool {
	for _, p := range parts {
		if !p.wild && p.text != "" {
			return true
		}
	}
	return false
}

func joinParts(parts []part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.wild {
			b.WriteString(wildcard)
			continue
		}
		b.WriteString(regexp.QuoteMeta(p.text))
	}
	return b.String()
}

// lastRunes returns the suffix of s holding at most n runes.
func lastRunes(s string, n int) string {
	i := len(s)
	for ; n > 0 && i > 0; n-- {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	return s[i:]
}

// firstRunes returns the prefix of s holding at most n runes.
func firstRunes(s string, n int) string {
	i := 0
	for ; n > 0 && i < len(s); n-- {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i]
}
