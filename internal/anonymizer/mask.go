package anonymizer

import (
	"sort"
	"strings"
)

// ApplyMasks rewrites text once, replacing every match with a placeholder.
//
// Matches must not overlap. They are visited from the highest start
// downwards and each category's counter advances in visit order, so the
// last match of a category in the document gets N=1. The returned ledger is
// sorted by Start; all entities are active.
func ApplyMasks(text string, matches []Match) (string, []Entity) {
	if len(matches) == 0 {
		return text, []Entity{}
	}
	ordered := append([]Match(nil), matches...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start > ordered[j].Start })

	counters := make(map[string]int)
	entities := make([]Entity, len(ordered))
	for i, m := range ordered {
		counters[m.Category]++
		// Fill back to front so the ledger ends up ascending.
		entities[len(ordered)-1-i] = Entity{
			ID:       Placeholder(m.Category, counters[m.Category]),
			Text:     m.Text,
			Category: m.Category,
			Source:   m.Source,
			Start:    m.Start,
			End:      m.End,
			Active:   true,
		}
	}

	// Same output as splicing back to front, in one pass.
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, e := range entities {
		b.WriteString(text[prev:e.Start])
		b.WriteString(e.ID)
		prev = e.End
	}
	b.WriteString(text[prev:])
	return b.String(), entities
}

// Remask regenerates the masked text from a ledger subset, typically the
// active entities after a toggle. Counters restart from scratch, so the
// remaining entities may be renumbered.
func Remask(text string, entities []Entity) (string, []Entity) {
	matches := make([]Match, 0, len(entities))
	for _, e := range entities {
		matches = append(matches, Match{
			Span:     e.Span(),
			Category: e.Category,
			Text:     e.Text,
			Source:   e.Source,
		})
	}
	return ApplyMasks(text, matches)
}

// Stats counts entities per category.
func Stats(entities []Entity) map[string]int {
	stats := make(map[string]int)
	for _, e := range entities {
		stats[e.Category]++
	}
	return stats
}
