package tokenizer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func terms(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Term
	}
	return out
}

func TestUnicodeSegmentsLatinText(t *testing.T) {
	u := &Unicode{}
	tokens, err := u.Segment("Hello, World 42", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world", "42"}, terms(tokens))

	assert.Equal(t, 0, tokens[0].Start)
	assert.Equal(t, 5, tokens[0].End)
	assert.Equal(t, 7, tokens[1].Start)
	assert.Equal(t, 12, tokens[1].End)
}

func TestUnicodeEmitsIdeographBigrams(t *testing.T) {
	u := &Unicode{}
	tokens, err := u.Segment("今天天气真好", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"今天", "天天", "天气", "气真", "真好"}, terms(tokens))

	// Bigram offsets span both characters, three bytes each in UTF-8.
	assert.Equal(t, 0, tokens[0].Start)
	assert.Equal(t, 6, tokens[0].End)
	assert.Equal(t, 3, tokens[1].Start)
	assert.Equal(t, 9, tokens[1].End)
}

func TestUnicodeKeepsIsolatedIdeograph(t *testing.T) {
	u := &Unicode{}
	tokens, err := u.Segment("好 cat", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"好", "cat"}, terms(tokens))
}

func TestUnicodeBreaksRunAtScriptBoundary(t *testing.T) {
	u := &Unicode{}
	tokens, err := u.Segment("天气nice今天", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"天气", "nice", "今天"}, terms(tokens))
}

func TestUnicodeHandlesEmptyAndWhitespaceOnly(t *testing.T) {
	u := &Unicode{}
	for _, text := range []string{"", "   ", "\t\n"} {
		tokens, err := u.Segment(text, "")
		require.NoError(t, err)
		assert.Empty(t, tokens)
	}
}

func TestSegmentationIsDeterministic(t *testing.T) {
	u := &Unicode{}
	text := "那只老鼠又出现了 the mouse came back 今天天气真好"
	first, err := u.Segment(text, "")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := u.Segment(text, "")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestWhitespaceSplitsOnNonWordRunes(t *testing.T) {
	w := &Whitespace{}
	tokens, err := w.Segment("Hello, World-42", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world", "42"}, terms(tokens))
}

type failingSegmenter struct{}

func (f *failingSegmenter) Segment(text, locale string) ([]Token, error) {
	return nil, errors.New("backend unavailable")
}

func TestAdapterDegradesToWhitespaceFallback(t *testing.T) {
	a := New("unicode")
	a.backend = &failingSegmenter{}

	tokens := a.Segment("hello 你好 world", "")
	assert.Equal(t, []string{"hello", "你好", "world"}, terms(tokens))
}

func TestAdapterSelectsBackendByName(t *testing.T) {
	assert.IsType(t, &Whitespace{}, New("whitespace").backend)
	assert.IsType(t, &Unicode{}, New("unicode").backend)
	assert.IsType(t, &Unicode{}, New("").backend)
}
