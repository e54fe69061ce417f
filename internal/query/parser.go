// Package query implements the read side: query parsing, snapshot search,
// ranking, pagination tokens, snippets, and the Redis-backed result cache.
package query

import (
	"fmt"
	"strings"

	"github.com/evanli-dev/chatsearch/internal/tokenizer"
	pkgerrors "github.com/evanli-dev/chatsearch/pkg/errors"
)

// Parsed is a normalised conjunctive query: a document matches only if it
// contains every term.
type Parsed struct {
	Terms []string
}

// Parser turns raw query strings into search terms with the same segmenter
// the index uses, so query-time and index-time terms always line up.
type Parser struct {
	tok *tokenizer.Adapter
}

func NewParser(tok *tokenizer.Adapter) *Parser {
	return &Parser{tok: tok}
}

// Parse normalises the query string. Quotes are accepted as grouping sugar
// and stripped; unbalanced quotes and queries with no searchable terms are
// malformed.
func (p *Parser) Parse(raw string) (Parsed, error) {
	if strings.Count(raw, `"`)%2 != 0 {
		return Parsed{}, fmt.Errorf("%w: unbalanced quotes", pkgerrors.ErrMalformedQuery)
	}
	stripped := strings.ReplaceAll(raw, `"`, " ")
	tokens := p.tok.Segment(stripped, "")
	if len(tokens) == 0 {
		return Parsed{}, fmt.Errorf("%w: no searchable terms", pkgerrors.ErrMalformedQuery)
	}

	seen := make(map[string]struct{}, len(tokens))
	terms := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, dup := seen[t.Term]; dup {
			continue
		}
		seen[t.Term] = struct{}{}
		terms = append(terms, t.Term)
	}
	return Parsed{Terms: terms}, nil
}
