package anonymizer

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"ghostlayer/internal/logger"
)

// minMatchRunes suppresses noise: trimmed matches shorter than this are dropped.
const minMatchRunes = 3

// Boundary checks for patterns whose edge character may be non-ASCII.
// RE2's \b only understands ASCII word characters, so a pattern starting with
// a Cyrillic letter declares the boundary here instead. An expression that
// starts or ends with \b gets the matching flag as well, so a Cyrillic
// letter glued to a digit run still counts as part of the word.
const (
	boundStart = 1 << iota
	boundEnd
)

// pattern pairs a compiled regex with its category.
type pattern struct {
	re       *regexp.Regexp
	category string
	bound    int
}

// patternSpecs is the ordered pattern table. Order matters only for
// stable tie-breaking between equally long matches.
var patternSpecs = []struct {
	category string
	expr     string
	bound    int
}{
	// Dates: DD.MM.YYYY, DD/MM/YYYY, DD-MM-YYYY.
	{"DATE", `\b(?:0[1-9]|[12][0-9]|3[01])[./-](?:0[1-9]|1[0-2])[./-](?:19|20)\d{2}\b`, 0},

	{"URL", `\b(?:https?://|www\.)\S+\.[a-z]{2,}\b`, 0},
	{"EMAIL", `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`, 0},

	// RU/KZ phones: +7, 8 and spaced/bracketed variants.
	{"PHONE", `\+?[78][-\s(]*\d{3}[-\s)]*\d{3}[-\s]*\d{2}[-\s]*\d{2}`, 0},
	{"PHONE", `\+7\s*7\d{2}[-\s]*\d{3}[-\s]*\d{2}[-\s]*\d{2}`, 0},

	{"CREDIT_CARD", `\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`, 0},
	{"BANK_ACCOUNT", `\b[34]\d{4}\s?\d{3}\s?\d{1}\s?\d{4}\s?\d{7}\b`, 0},
	{"IBAN", `\b[A-Z]{2}\d{2}[A-Z0-9]{12,30}\b`, 0},

	// Government bodies: the body keyword plus up to four following words.
	{"GOV_BODY", `(?i)(?:Министерств[оауе]|Управлени[ея]|Департамент[а-я]?|Комитет[а-я]?)\s+(?:[А-Яа-я0-9\-]+\s*){1,4}`, boundStart},
	{"GOV_BODY", `(?i)(?:Орган|Кем)\s+выдан(?:ы)?\s*[:.]?\s*(?:[А-Яа-я0-9\-]+\s*){1,5}`, boundStart},

	// IIN/BIN must precede INN: both accept 12 digits.
	{"IIN_BIN", `\b\d{12}\b`, 0},
	{"PASSPORT_RF", `\b\d{2}\s?\d{2}\s?\d{6}\b`, 0},
	{"SNILS", `\b\d{3}[-\s]?\d{3}[-\s]?\d{3}[-\s]?\d{2}\b`, 0},
	{"INN", `\b\d{10,12}\b`, 0},

	{"ID_CARD_KZ", `\b0\d{8}\b`, 0},
	{"PASSPORT_KZ", `\b[Nn]\d{8}\b`, 0},
	{"IBAN_KZ", `\bKZ\d{2}[A-Z0-9]{16}\b`, 0},
	{"BIK_KZ", `\b[A-Z]{4}KZ[A-Z0-9]{2}\b`, 0},
	{"PHONE_KZ", `\+7\s*7[0-9]{2}[-\s]*\d{3}[-\s]*\d{2}[-\s]*\d{2}`, 0},

	// KZ plates: 123ABC01, 123 ABC 01, A123ABC.
	{"VEHICLE_REG_KZ", `\b\d{3}\s?[A-ZА-Я]{3}\s?\d{2}\b`, 0},
	{"VEHICLE_REG_KZ", `[A-ZА-Я]\d{3}[A-ZА-Я]{3}`, boundStart | boundEnd},

	{"ADDRESS_KZ", `(?i)(?:мкр\.?|микрорайон|ж/м|көше|көшесі|ауыл|ауылы|қала|қаласы)\s+(?:[А-Яа-яӘәҒғҚқҢңӨөҰұҮүІі\w\-]+\s*){1,4}`, boundStart},

	// Court case numbers: 1234-56-78/2024 and "№ 2-1234/2024".
	{"LEGAL_CASE_KZ", `\b\d{4}[-/]\d{2}[-/]\d{2}[-/]\d{4}\b`, 0},
	{"LEGAL_CASE_KZ", `№\s*\d[-\d/]+\d{4}`, 0},

	{"EDU_DOC_KZ", `[А-ЯA-Z]{2,3}\s*№?\s*\d{7,8}\b`, boundStart},
	{"MED_POLICY_KZ", `(?i)(?:полис|ОСМС)\s*[№:]*\s*\d{12}`, 0},
	{"CADASTRE_KZ", `\b\d{2}:\d{3}:\d{3}:\d{3}\b`, 0},

	{"POSTAL_CODE", `\b\d{5,6}\b`, 0},
	{"ADDRESS", `(?i)(?:ул\.|улица|пр\.|проспект|пер\.|переулок|мкр\.|микрорайон|г\.|город|обл\.|область|str\.|street|ave\.|avenue|lane|blvd)\s+(?:[А-Яа-яA-Za-z0-9\-]+\s*){1,4}(?:д\.|дом|house|bldg)?\s*\d+`, boundStart},

	// Legal forms followed by the (optionally quoted) name on the same line.
	{"COMPANY", `(?i)(?:ТОО|ООО|ИП|АО|ЗАО|ПАО|LLC|LLP|Ltd\.?|Inc\.?|GmbH|Corp\.?)[ \t]+["«]?[А-Яа-яA-Za-z0-9\- \t]+["»]?`, boundStart},

	{"LICENSE_PLATE", `[АВЕКМНОРСТУХ]\d{3}[АВЕКМНОРСТУХ]{2}\d{2,3}\b`, boundStart},
	{"IP_ADDRESS", `\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`, 0},
}

// PatternDetector finds structured identifiers with a fixed regex table.
type PatternDetector struct {
	patterns []pattern
	log      *logger.Logger
}

// NewPatternDetector compiles the pattern table once. Expressions that fail
// to compile are logged and skipped.
func NewPatternDetector(log *logger.Logger) *PatternDetector {
	d := &PatternDetector{log: log}
	for _, s := range patternSpecs {
		re, err := regexp.Compile(s.expr)
		if err != nil {
			log.Warnf("pattern_compile", "skipping %s pattern: %v", s.category, err)
			continue
		}
		d.patterns = append(d.patterns, pattern{re: re, category: s.category, bound: edgeBounds(s.expr, s.bound)})
	}
	return d
}

// edgeBounds adds the Unicode boundary flags implied by a leading or
// trailing \b in expr.
func edgeBounds(expr string, bound int) int {
	if strings.HasPrefix(expr, `\b`) {
		bound |= boundStart
	}
	if strings.HasSuffix(expr, `\b`) {
		bound |= boundEnd
	}
	return bound
}

// Name implements Detector.
func (d *PatternDetector) Name() Stage { return StagePattern }

// Categories lists the distinct categories the table can produce, in table order.
func (d *PatternDetector) Categories() []string {
	seen := make(map[string]bool, len(d.patterns))
	var out []string
	for _, p := range d.patterns {
		if !seen[p.category] {
			seen[p.category] = true
			out = append(out, p.category)
		}
	}
	return out
}

// Detect runs every pattern over text, drops noise and matches overlapping
// excluded, then keeps the longest non-overlapping matches.
func (d *PatternDetector) Detect(ctx context.Context, text string, excluded []Span) ([]Match, error) {
	var candidates []Match
	for _, p := range d.patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			sp := Span{Start: loc[0], End: loc[1]}
			if p.bound&boundStart != 0 && !wordBoundaryAt(text, sp.Start) {
				continue
			}
			if p.bound&boundEnd != 0 && !wordBoundaryAt(text, sp.End) {
				continue
			}
			found := text[sp.Start:sp.End]
			if utf8.RuneCountInString(strings.TrimSpace(found)) < minMatchRunes {
				continue
			}
			if overlapsAny(sp, excluded) {
				continue
			}
			candidates = append(candidates, Match{
				Span:     sp,
				Category: p.category,
				Text:     found,
				Source:   StagePattern,
			})
		}
	}
	return longestFirst(candidates), nil
}

// longestFirst resolves overlaps among one detector's candidates: longer
// matches win, ties keep table order and then position.
func longestFirst(candidates []Match) []Match {
	sort.SliceStable(candidates, func(i, j int) bool {
		return utf8.RuneCountInString(candidates[i].Text) > utf8.RuneCountInString(candidates[j].Text)
	})
	var accepted []Match
	var used []Span
	for _, m := range candidates {
		if overlapsAny(m.Span, used) {
			continue
		}
		used = append(used, m.Span)
		accepted = append(accepted, m)
	}
	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Start < accepted[j].Start })
	return accepted
}
