package extract

import "unicode/utf8"

// TruncationMarker is appended to text cut at the character budget.
const TruncationMarker = "\n[content truncated]"

// bound cuts text to at most budget runes, marker included. It reports
// whether anything was cut.
func bound(text string, budget int) (string, bool) {
	if budget <= 0 || utf8.RuneCountInString(text) <= budget {
		return text, false
	}
	markerLen := utf8.RuneCountInString(TruncationMarker)
	if budget <= markerLen {
		return prefixRunes(text, budget), true
	}
	return prefixRunes(text, budget-markerLen) + TruncationMarker, true
}

func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
