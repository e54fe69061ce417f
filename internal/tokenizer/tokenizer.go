// Package tokenizer turns message text into searchable terms with byte
// offsets. Segmentation must be deterministic: index-time and query-time
// output have to match exactly for term lookup to succeed.
package tokenizer

import (
	"log/slog"
	"strings"
	"sync"
)

// Token is a single normalised term and its byte range in the original text.
type Token struct {
	Term  string `json:"term"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Segmenter is the pluggable segmentation capability. Implementations are
// selected at configuration time; all must be deterministic.
type Segmenter interface {
	Segment(text string, locale string) ([]Token, error)
}

// Adapter wraps the configured backend with the degradation policy: if the
// backend fails, the whole input is re-segmented with the whitespace
// fallback instead of rejecting the document.
type Adapter struct {
	backend  Segmenter
	fallback *Whitespace
	logOnce  sync.Once
	logger   *slog.Logger
}

// New selects a segmentation backend by name. Unknown names fall back to the
// unicode backend.
func New(backend string) *Adapter {
	var s Segmenter
	switch backend {
	case "whitespace":
		s = &Whitespace{}
	default:
		s = &Unicode{}
	}
	return &Adapter{
		backend:  s,
		fallback: &Whitespace{},
		logger:   slog.Default().With("component", "tokenizer"),
	}
}

// Segment tokenizes text. It never fails: backend errors degrade to the
// whitespace fallback for the whole input, logged once per process.
func (a *Adapter) Segment(text string, locale string) []Token {
	tokens, err := a.backend.Segment(text, locale)
	if err != nil {
		a.logOnce.Do(func() {
			a.logger.Warn("segmentation backend failed, degrading to whitespace splitting", "error", err)
		})
		tokens, _ = a.fallback.Segment(text, locale)
	}
	return tokens
}

// Whitespace splits on any rune that is neither letter nor digit. It is the
// degraded mode and the last-resort backend.
type Whitespace struct{}

func (w *Whitespace) Segment(text string, locale string) ([]Token, error) {
	tokens := make([]Token, 0, len(text)/8)
	start := -1
	for i, r := range text {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			tokens = append(tokens, Token{
				Term:  strings.ToLower(text[start:i]),
				Start: start,
				End:   i,
			})
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, Token{
			Term:  strings.ToLower(text[start:]),
			Start: start,
			End:   len(text),
		})
	}
	return tokens, nil
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r > 0x7F:
		// Non-ASCII runes are kept; the fallback cannot tell scripts apart.
		return !isSpaceLike(r)
	default:
		return false
	}
}

func isSpaceLike(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', ' ', '　':
		return true
	}
	return false
}
