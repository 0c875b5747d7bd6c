// Package chunker splits extracted document text into overlapping,
// bounded-size fragments that carry their source offsets.
package chunker

import "unicode"

const (
	// DefaultMaxTokens is the fragment size used by the ingestion pipeline.
	DefaultMaxTokens = 800

	// DefaultOverlapTokens is how much context each fragment shares with the previous one.
	DefaultOverlapTokens = 100

	// charsPerToken approximates tokenizer output for English technical text.
	charsPerToken = 4
)

// Fragment is one chunk of source text.
// Start and End are rune offsets into the source; Text == string(runes[Start:End]).
type Fragment struct {
	Text  string
	Index int
	Start int
	End   int
}

// Split walks text in windows of maxTokens*4 characters. A window is cut after
// the last sentence terminator or newline when that lies past the window's
// midpoint, otherwise at the raw boundary. The next window starts
// overlapTokens*4 characters before the previous end.
//
// Split is pure: the same input always yields the same boundaries.
func Split(text string, maxTokens, overlapTokens int) []Fragment {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if overlapTokens < 0 {
		overlapTokens = 0
	}

	maxChars := maxTokens * charsPerToken
	overlapChars := overlapTokens * charsPerToken
	// overlap must stay under half a window or ends could move backwards
	if overlapChars*2 >= maxChars {
		overlapChars = maxChars / 4
	}

	runes := []rune(text)
	n := len(runes)

	var out []Fragment
	start := 0
	for start < n {
		end := start + maxChars
		if end > n {
			end = n
		}

		if end < n {
			if bp := lastBreak(runes, start, end); bp > start+maxChars/2 {
				end = bp + 1
			}
		}

		if s, e := trim(runes, start, end); s < e {
			out = append(out, Fragment{
				Text:  string(runes[s:e]),
				Index: len(out),
				Start: s,
				End:   e,
			})
		}

		if end >= n {
			break
		}

		next := end - overlapChars
		if next <= start {
			next = end
		}
		start = next
	}

	return out
}

// lastBreak returns the index of the last terminator in runes[start:end], or -1.
func lastBreak(runes []rune, start, end int) int {
	for i := end - 1; i >= start; i-- {
		switch runes[i] {
		case '.', '!', '?', '\n':
			return i
		}
	}
	return -1
}

func trim(runes []rune, start, end int) (int, int) {
	for start < end && unicode.IsSpace(runes[start]) {
		start++
	}
	for end > start && unicode.IsSpace(runes[end-1]) {
		end--
	}
	return start, end
}
