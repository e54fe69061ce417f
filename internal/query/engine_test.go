package query

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evanli-dev/chatsearch/internal/index"
	"github.com/evanli-dev/chatsearch/internal/tokenizer"
	"github.com/evanli-dev/chatsearch/pkg/config"
	pkgerrors "github.com/evanli-dev/chatsearch/pkg/errors"
	"github.com/evanli-dev/chatsearch/pkg/metrics"
)

var testTok = tokenizer.New("unicode")

func newTestEngine(t *testing.T, search config.SearchConfig) (*Engine, *index.Store) {
	t.Helper()
	store := index.NewStore(config.IndexConfig{
		BufferMaxDocs:      1000,
		CommitInterval:     time.Second,
		CompactMinSegments: 2,
	})
	engine := NewEngine(store, NewParser(testTok),
		search, metrics.NewWithRegistry(prometheus.NewRegistry()))
	return engine, store
}

func defaultSearch() config.SearchConfig {
	return config.SearchConfig{DefaultLimit: 20, MaxResults: 200, SnippetRunes: 160}
}

func addDoc(store *index.Store, chatID, messageID, senderID, ts int64, text string) {
	store.Upsert(&index.Document{
		ChatID:      chatID,
		MessageID:   messageID,
		SenderID:    senderID,
		Timestamp:   ts,
		Text:        text,
		Terms:       testTok.Segment(text, ""),
	})
}

func hitIDs(result *Result) []int64 {
	out := make([]int64, len(result.Hits))
	for i, h := range result.Hits {
		out[i] = h.MessageID
	}
	return out
}

func TestChineseTermsMatchAcrossMessages(t *testing.T) {
	engine, store := newTestEngine(t, defaultSearch())
	addDoc(store, 1, 1, 5, 1000, "我家有只小老鼠")
	addDoc(store, 1, 2, 5, 2000, "今天天气不错")
	addDoc(store, 1, 3, 5, 3000, "老鼠爱大米")
	store.Commit()

	// Both matches carry the term once, so the newer message ranks first.
	result, err := engine.Search(context.Background(), Request{Query: "老鼠"})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1}, hitIDs(result))

	result, err = engine.Search(context.Background(), Request{Query: "天气"})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, hitIDs(result))
}

func TestAllTermsMustMatch(t *testing.T) {
	engine, store := newTestEngine(t, defaultSearch())
	addDoc(store, 1, 1, 5, 1000, "the deploy finished cleanly")
	addDoc(store, 1, 2, 5, 2000, "the deploy broke the dashboard")
	addDoc(store, 1, 3, 5, 3000, "dashboard looks healthy")
	store.Commit()

	result, err := engine.Search(context.Background(), Request{Query: "deploy dashboard"})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, hitIDs(result))
}

func TestFilters(t *testing.T) {
	engine, store := newTestEngine(t, defaultSearch())
	addDoc(store, 1, 1, 5, 1000, "release notes")
	addDoc(store, 2, 2, 5, 2000, "release notes")
	addDoc(store, 1, 3, 9, 3000, "release notes")
	addDoc(store, 1, 4, 5, 4000, "release notes")
	store.Commit()

	ctx := context.Background()

	result, err := engine.Search(ctx, Request{Query: "release", Chats: []int64{2}})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, hitIDs(result))

	result, err = engine.Search(ctx, Request{Query: "release", SenderID: 9})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, hitIDs(result))

	result, err = engine.Search(ctx, Request{Query: "release", From: 1500, To: 3500})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, hitIDs(result))
}

func TestRecencyBreaksTermFrequencyTies(t *testing.T) {
	engine, store := newTestEngine(t, defaultSearch())
	addDoc(store, 1, 1, 5, 1000, "standup at ten")
	addDoc(store, 1, 2, 5, 1000+86400*30, "standup moved to eleven")
	store.Commit()

	result, err := engine.Search(context.Background(), Request{Query: "standup"})
	require.NoError(t, err)
	require.Len(t, result.Hits, 2)
	assert.EqualValues(t, 2, result.Hits[0].MessageID, "newer message ranks first")
	assert.Greater(t, result.Hits[0].Score, result.Hits[1].Score)
}

func TestHigherTermFrequencyScoresHigher(t *testing.T) {
	engine, store := newTestEngine(t, defaultSearch())
	addDoc(store, 1, 1, 5, 1000, "cache cache cache everywhere")
	addDoc(store, 1, 2, 5, 1000, "one cache mention")
	store.Commit()

	result, err := engine.Search(context.Background(), Request{Query: "cache"})
	require.NoError(t, err)
	require.Len(t, result.Hits, 2)
	assert.EqualValues(t, 1, result.Hits[0].MessageID)
}

func TestPaginationIsStableAndComplete(t *testing.T) {
	engine, store := newTestEngine(t, defaultSearch())
	for id := int64(1); id <= 57; id++ {
		addDoc(store, 1, id, 5, 1000+id, "pagination fodder")
	}
	store.Commit()

	ctx := context.Background()
	seen := make(map[int64]bool)
	token := ""
	pages := 0
	for {
		result, err := engine.Search(ctx, Request{Query: "fodder", Limit: 10, Token: token})
		require.NoError(t, err)
		for _, h := range result.Hits {
			assert.False(t, seen[h.MessageID], "message %d repeated across pages", h.MessageID)
			seen[h.MessageID] = true
		}
		pages++
		if result.NextToken == "" {
			break
		}
		token = result.NextToken
	}
	assert.Len(t, seen, 57)
	assert.Equal(t, 6, pages)
}

func TestPaginationSurvivesConcurrentCommits(t *testing.T) {
	engine, store := newTestEngine(t, defaultSearch())
	for id := int64(1); id <= 30; id++ {
		addDoc(store, 1, id, 5, 1000+id, "steady stream")
	}
	store.Commit()

	ctx := context.Background()
	first, err := engine.Search(ctx, Request{Query: "steady", Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, first.NextToken)

	// New writes land between pages. Earlier pages' items must not repeat.
	addDoc(store, 1, 99, 5, 5000, "steady stream newcomer")
	store.Commit()

	second, err := engine.Search(ctx, Request{Query: "steady", Limit: 10, Token: first.NextToken})
	require.NoError(t, err)
	firstIDs := make(map[int64]bool)
	for _, h := range first.Hits {
		firstIDs[h.MessageID] = true
	}
	for _, h := range second.Hits {
		assert.False(t, firstIDs[h.MessageID], "message %d repeated after commit", h.MessageID)
	}
}

func TestMalformedQueries(t *testing.T) {
	engine, _ := newTestEngine(t, defaultSearch())
	ctx := context.Background()

	cases := []Request{
		{Query: "   "},
		{Query: `"unbalanced quote`},
		{Query: "!!! ..."},
		{Query: "valid", Token: "not-a-token-%%%"},
	}
	for _, req := range cases {
		_, err := engine.Search(ctx, req)
		assert.ErrorIs(t, err, pkgerrors.ErrMalformedQuery, "query %q", req.Query)
	}
}

func TestZeroResultsIsNotAnError(t *testing.T) {
	engine, store := newTestEngine(t, defaultSearch())
	addDoc(store, 1, 1, 5, 1000, "nothing relevant here")
	store.Commit()

	result, err := engine.Search(context.Background(), Request{Query: "absent"})
	require.NoError(t, err)
	assert.Empty(t, result.Hits)
	assert.Zero(t, result.Total)
	assert.Empty(t, result.NextToken)
}

func TestLimitIsClamped(t *testing.T) {
	cfg := defaultSearch()
	cfg.MaxResults = 5
	engine, store := newTestEngine(t, cfg)
	for id := int64(1); id <= 20; id++ {
		addDoc(store, 1, id, 5, 1000+id, "clamp me")
	}
	store.Commit()

	result, err := engine.Search(context.Background(), Request{Query: "clamp", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, result.Hits, 5)
	assert.Equal(t, 20, result.Total)
}

func TestSnippetWindowsLongText(t *testing.T) {
	cfg := defaultSearch()
	cfg.SnippetRunes = 30
	engine, store := newTestEngine(t, cfg)

	long := strings.Repeat("padding ", 40) + "needle" + strings.Repeat(" trailing", 40)
	addDoc(store, 1, 1, 5, 1000, long)
	store.Commit()

	result, err := engine.Search(context.Background(), Request{Query: "needle"})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	snippet := result.Hits[0].Snippet
	assert.Contains(t, snippet, "needle")
	assert.True(t, strings.HasPrefix(snippet, "…"))
	assert.True(t, strings.HasSuffix(snippet, "…"))
	assert.Less(t, len([]rune(snippet)), 40)
}

func TestSnippetAnchorsEarliestMatchedTerm(t *testing.T) {
	cfg := defaultSearch()
	cfg.SnippetRunes = 30
	engine, store := newTestEngine(t, cfg)

	// "anchor" appears near the start, "distant" far past the window. The
	// snippet follows text order, not the order the terms were typed.
	long := "anchor " + strings.Repeat("padding ", 40) + "distant"
	addDoc(store, 1, 1, 5, 1000, long)
	store.Commit()

	result, err := engine.Search(context.Background(), Request{Query: "distant anchor"})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	snippet := result.Hits[0].Snippet
	assert.Contains(t, snippet, "anchor")
	assert.NotContains(t, snippet, "distant")
	assert.False(t, strings.HasPrefix(snippet, "…"))
	assert.True(t, strings.HasSuffix(snippet, "…"))
}

func TestQueryIgnoresUncommittedBuffer(t *testing.T) {
	engine, store := newTestEngine(t, defaultSearch())
	addDoc(store, 1, 1, 5, 1000, "not yet visible")

	result, err := engine.Search(context.Background(), Request{Query: "visible"})
	require.NoError(t, err)
	assert.Empty(t, result.Hits)

	store.Commit()
	result, err = engine.Search(context.Background(), Request{Query: "visible"})
	require.NoError(t, err)
	assert.Len(t, result.Hits, 1)
}
