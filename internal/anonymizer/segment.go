package anonymizer

import "strings"

// Chunking limits, in bytes.
const (
	DefaultChunkThreshold = 100 * 1024
	DefaultChunkSize      = 20 * 1024
	MinChunkSize          = 1024
	MaxChunkSize          = 50 * 1024

	// boundaryWindow is how far back from the target cut a boundary is sought.
	boundaryWindow = 500
)

// boundaries in priority order; each cut lands just after the separator.
var boundaries = []string{"\n\n", "\n", ". ", " "}

// Chunk is a contiguous slice of the original text. Start and End are
// absolute byte offsets; Text == original[Start:End].
type Chunk struct {
	Text  string
	Start int
	End   int
	Index int
}

// Global translates a chunk-local span to document coordinates.
func (c Chunk) Global(s Span) Span {
	return Span{Start: s.Start + c.Start, End: s.End + c.Start}
}

// Local clips a document span to the chunk and translates it to chunk-local
// coordinates. ok is false when the span does not touch the chunk.
func (c Chunk) Local(s Span) (Span, bool) {
	start, end := max(s.Start, c.Start), min(s.End, c.End)
	if start >= end {
		return Span{}, false
	}
	return Span{Start: start - c.Start, End: end - c.Start}, true
}

// ShouldChunk reports whether a text of n bytes takes the chunked path.
// A non-positive threshold selects DefaultChunkThreshold.
func ShouldChunk(n, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultChunkThreshold
	}
	return n > threshold
}

// ClampChunkSize maps a configured chunk size into [MinChunkSize, MaxChunkSize];
// non-positive sizes select DefaultChunkSize.
func ClampChunkSize(size int) int {
	switch {
	case size <= 0:
		return DefaultChunkSize
	case size < MinChunkSize:
		return MinChunkSize
	case size > MaxChunkSize:
		return MaxChunkSize
	}
	return size
}

// Segment splits text into ordered chunks of at most size bytes (after
// clamping) that cover it exactly. Each cut prefers, within the last
// boundaryWindow bytes before the target, a paragraph break, then a line
// break, a sentence end, a space, and finally a hard cut on a rune boundary.
func Segment(text string, size int) []Chunk {
	if text == "" {
		return nil
	}
	size = ClampChunkSize(size)
	var chunks []Chunk
	for pos := 0; pos < len(text); {
		end := len(text)
		if end-pos > size {
			end = cutPoint(text, pos, pos+size)
		}
		chunks = append(chunks, Chunk{Text: text[pos:end], Start: pos, End: end, Index: len(chunks)})
		pos = end
	}
	return chunks
}

// cutPoint returns the end of the chunk starting at pos with ideal end target.
// The result is always in (pos, target] and on a rune boundary.
func cutPoint(text string, pos, target int) int {
	from := max(pos, target-boundaryWindow)
	window := text[from:target]
	for _, sep := range boundaries {
		if i := strings.LastIndex(window, sep); i >= 0 {
			if cut := from + i + len(sep); cut > pos {
				return cut
			}
		}
	}
	cut := target
	for cut > pos && !isRuneStart(text, cut) {
		cut--
	}
	if cut == pos {
		// Unreachable for valid UTF-8 since size >= MinChunkSize > utf8.UTFMax.
		return target
	}
	return cut
}
