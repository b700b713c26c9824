package content

import (
	"strings"
	"unicode"
)

// DefaultLimit is the platform character limit, counted in runes.
const DefaultLimit = 280

const ellipsis = "…"

// Truncate shortens text to at most limit runes. It cuts after the last
// sentence that fits; failing that, at the last word boundary followed by an
// ellipsis. A single word longer than limit is the only case cut mid-word.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}

	if end := lastSentenceEnd(runes, limit); end > 0 {
		return strings.TrimSpace(string(runes[:end]))
	}

	if i := lastSpace(runes[:limit]); i > 0 {
		if head := strings.TrimRightFunc(string(runes[:i]), isTrailingPunct); head != "" {
			return head + ellipsis
		}
	}
	return string(runes[:limit-1]) + ellipsis
}

// lastSentenceEnd returns the length of the longest prefix within limit that
// ends a sentence, or 0.
func lastSentenceEnd(runes []rune, limit int) int {
	for i := limit - 1; i >= 0; i-- {
		switch runes[i] {
		case '.', '!', '?':
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				return i + 1
			}
		}
	}
	return 0
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

func isTrailingPunct(r rune) bool {
	return unicode.IsSpace(r) || r == ',' || r == ';' || r == ':'
}
