// Package chunker implements the recursive character splitter used by the
// ingestion pipeline. Text is divided into overlapping fragments under a
// size budget, preferring natural boundaries: paragraph break, then line
// break, then sentence end, then word boundary, then a hard cut.
package chunker

import (
	"strings"
	"unicode/utf8"

	"github.com/54b3r/ragkb-go/internal/rag"
)

// Default splitting parameters, applied when the caller passes zero values.
const (
	// DefaultChunkSize is the maximum number of bytes per fragment.
	DefaultChunkSize = 1000
	// DefaultChunkOverlap is the number of bytes shared between consecutive
	// fragments.
	DefaultChunkOverlap = 200
)

// separators lists cut-point markers in descending priority. The splitter
// cuts after the last occurrence of the highest-priority separator found
// inside the size window.
var separators = []string{
	"\n\n", // paragraph break
	"\n",   // line break
	". ",   // sentence boundary
	"。",    // CJK sentence boundary
	"! ",
	"? ",
	" ", // word boundary
}

// Recursive is a deterministic, stateless splitter satisfying rag.Splitter.
type Recursive struct{}

// New constructs a Recursive splitter.
func New() *Recursive { return &Recursive{} }

// Split divides text into fragments of at most size bytes, with overlap
// bytes shared between consecutive fragments. Zero or negative parameters
// fall back to the package defaults; an overlap that reaches size is clamped
// to size/10 the same way an invalid ingestion config is. Empty input yields
// no fragments. Fragments carry their byte offsets into text and concatenate
// (minus overlaps) back to the original input — no characters are dropped.
func (r *Recursive) Split(text string, size, overlap int) []rag.Fragment {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 10
	}
	if len(text) == 0 {
		return nil
	}

	var frags []rag.Fragment
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			frags = append(frags, rag.Fragment{Text: text[start:], Start: start, End: len(text)})
			break
		}

		cut := boundary(text[start:end])
		if cut > 0 {
			end = start + cut
		} else {
			// Hard cut: back off so a multibyte rune is never split. A
			// window smaller than one rune still has to make progress.
			end = runeAlign(text, end, start)
			if end == start {
				_, n := utf8.DecodeRuneInString(text[start:])
				end = start + n
			}
		}

		frags = append(frags, rag.Fragment{Text: text[start:end], Start: start, End: end})

		next := runeAlign(text, end-overlap, start)
		if next <= start {
			// Overlap would stall the scan; step past the fragment instead.
			next = end
		}
		start = next
	}
	return frags
}

// boundary returns the position just after the best cut point in window, or
// 0 when no separator is present. Separators are tried in priority order;
// for each, the last occurrence wins so fragments stay as large as the
// budget allows. Cut points in the first half of the window are ignored to
// avoid degenerate, tiny fragments.
func boundary(window string) int {
	min := len(window) / 2
	for _, sep := range separators {
		if i := strings.LastIndex(window, sep); i >= min {
			return i + len(sep)
		}
	}
	return 0
}

// runeAlign moves pos left until it sits on a rune start, never dropping
// below floor. Separator cuts are rune-aligned already; this covers hard
// cuts and overlap steps landing inside a multibyte rune.
func runeAlign(text string, pos, floor int) int {
	for pos > floor && pos < len(text) && !utf8.RuneStart(text[pos]) {
		pos--
	}
	return pos
}
