package query

import (
	"unicode/utf8"
)

// snippet extracts a window of the document text centred on the earliest
// match, bounded to maxRunes, with ellipses marking truncation. start and
// end are byte offsets of the earliest matched term.
func snippet(text string, start, end, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}

	matchRunes := utf8.RuneCountInString(text[start:end])
	lead := (maxRunes - matchRunes) / 2
	if lead < 0 {
		lead = 0
	}

	// Walk back from the match start by lead runes.
	lo := start
	for i := 0; i < lead && lo > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:lo])
		lo -= size
	}

	// Walk forward until the window holds maxRunes.
	hi := lo
	for i := 0; i < maxRunes && hi < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[hi:])
		hi += size
	}

	out := text[lo:hi]
	if lo > 0 {
		out = "…" + out
	}
	if hi < len(text) {
		out = out + "…"
	}
	return out
}
