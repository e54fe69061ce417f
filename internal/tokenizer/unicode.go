package tokenizer

import (
	"strings"

	"github.com/blevesearch/segment"
)

// Unicode segments text by UAX#29 word boundaries. Ideographic scripts come
// out of the segmenter one character at a time, so adjacent ideographs are
// recombined into overlapping bigrams (the standard CJK indexing scheme);
// an isolated ideograph is kept as a unigram. Terms are lowercased.
//
// The locale hint is accepted for interface compatibility; UAX#29
// segmentation is locale-independent, which is what keeps index-time and
// query-time output identical regardless of the sender's language settings.
type Unicode struct{}

func (u *Unicode) Segment(text string, locale string) ([]Token, error) {
	segmenter := segment.NewWordSegmenterDirect([]byte(text))

	tokens := make([]Token, 0, len(text)/4)
	var ideoRun []Token

	flushRun := func() {
		switch len(ideoRun) {
		case 0:
		case 1:
			tokens = append(tokens, ideoRun[0])
		default:
			for i := 0; i+1 < len(ideoRun); i++ {
				tokens = append(tokens, Token{
					Term:  ideoRun[i].Term + ideoRun[i+1].Term,
					Start: ideoRun[i].Start,
					End:   ideoRun[i+1].End,
				})
			}
		}
		ideoRun = ideoRun[:0]
	}

	start := 0
	for segmenter.Segment() {
		piece := segmenter.Bytes()
		end := start + len(piece)
		switch segmenter.Type() {
		case segment.Ideo:
			tok := Token{Term: strings.ToLower(string(piece)), Start: start, End: end}
			if n := len(ideoRun); n > 0 && ideoRun[n-1].End != tok.Start {
				flushRun()
			}
			ideoRun = append(ideoRun, tok)
		case segment.Letter, segment.Number:
			flushRun()
			tokens = append(tokens, Token{
				Term:  strings.ToLower(string(piece)),
				Start: start,
				End:   end,
			})
		default:
			flushRun()
		}
		start = end
	}
	if err := segmenter.Err(); err != nil {
		return nil, err
	}
	flushRun()
	return tokens, nil
}
