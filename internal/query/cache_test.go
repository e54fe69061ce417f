package query

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evanli-dev/chatsearch/pkg/metrics"
)

func TestCachedEngineWithoutRedisPassesThrough(t *testing.T) {
	engine, store := newTestEngine(t, defaultSearch())
	cached := NewCachedEngine(engine, store, nil, time.Minute,
		metrics.NewWithRegistry(prometheus.NewRegistry()))

	addDoc(store, 1, 1, 5, 1000, "passthrough works")
	store.Commit()

	result, err := cached.Search(context.Background(), Request{Query: "passthrough"})
	require.NoError(t, err)
	assert.Len(t, result.Hits, 1)
}

func TestCommitBumpsCacheGeneration(t *testing.T) {
	engine, store := newTestEngine(t, defaultSearch())
	cached := NewCachedEngine(engine, store, nil, time.Minute,
		metrics.NewWithRegistry(prometheus.NewRegistry()))

	before := cached.cacheKey(Request{Query: "q"})
	addDoc(store, 1, 1, 5, 1000, "bump")
	store.Commit()
	after := cached.cacheKey(Request{Query: "q"})

	assert.NotEqual(t, before, after, "committed writes must invalidate cached pages")
}

func TestPageTokenRoundTrip(t *testing.T) {
	in := PageToken{S: 0.875, T: 1700000123, C: -100500, M: 42, R: 1700000200}
	out, err := DecodePageToken(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
