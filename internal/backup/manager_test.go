package backup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evanli-dev/chatsearch/internal/cursor"
	"github.com/evanli-dev/chatsearch/internal/index"
	"github.com/evanli-dev/chatsearch/internal/query"
	"github.com/evanli-dev/chatsearch/internal/tokenizer"
	"github.com/evanli-dev/chatsearch/pkg/blobstore"
	"github.com/evanli-dev/chatsearch/pkg/config"
	pkgerrors "github.com/evanli-dev/chatsearch/pkg/errors"
	"github.com/evanli-dev/chatsearch/pkg/kvstore"
	"github.com/evanli-dev/chatsearch/pkg/metrics"
)

var testTok = tokenizer.New("unicode")

type env struct {
	blobs   *blobstore.MemoryStore
	store   *index.Store
	cursors *cursor.Tracker
	manager *Manager
}

func newEnv(t *testing.T, blobs *blobstore.MemoryStore) *env {
	t.Helper()
	store := index.NewStore(config.IndexConfig{
		BufferMaxDocs:      1000,
		CommitInterval:     time.Second,
		CompactMinSegments: 2,
	})
	cursors := cursor.NewTracker(kvstore.NewMemoryStore())
	manager := NewManager(blobs, store, cursors,
		config.BackupConfig{Enabled: true, Interval: time.Hour, Prefix: "snapshots", Keep: 2},
		metrics.NewWithRegistry(prometheus.NewRegistry()),
	)
	return &env{blobs: blobs, store: store, cursors: cursors, manager: manager}
}

func (e *env) addDoc(chatID, messageID int64, text string) {
	e.store.Upsert(&index.Document{
		ChatID:    chatID,
		MessageID: messageID,
		SenderID:  1,
		Timestamp: 1700000000 + messageID,
		Text:      text,
		Terms:     testTok.Segment(text, ""),
	})
}

func search(t *testing.T, store *index.Store, q string) *query.Result {
	t.Helper()
	engine := query.NewEngine(store, query.NewParser(testTok),
		config.SearchConfig{DefaultLimit: 50, MaxResults: 200, SnippetRunes: 160},
		metrics.NewWithRegistry(prometheus.NewRegistry()))
	result, err := engine.Search(context.Background(), query.Request{Query: q})
	require.NoError(t, err)
	return result
}

func TestSnapshotAndRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	src := newEnv(t, blobs)

	src.addDoc(1, 1, "the quick brown fox")
	src.addDoc(1, 2, "今天天气真好")
	src.store.Commit()
	src.addDoc(2, 1, "a second chat entirely")
	src.store.Tombstone(index.DocID{ChatID: 1, MessageID: 1})
	require.NoError(t, src.cursors.AdvanceLive(ctx, 1, 2))
	require.NoError(t, src.cursors.MarkBackfillComplete(ctx, 1))

	id, err := src.manager.Snapshot(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	dst := newEnv(t, blobs)
	result, err := dst.manager.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, result.SnapshotID)
	assert.Equal(t, 2, result.Segments)
	assert.Zero(t, result.CorruptBlobs)

	// Identical queries against the restored index return identical results.
	assert.Equal(t, search(t, src.store, "天气"), search(t, dst.store, "天气"))
	assert.Equal(t, search(t, src.store, "second"), search(t, dst.store, "second"))
	assert.Empty(t, search(t, dst.store, "quick").Hits, "tombstone survives the round trip")

	state, err := dst.cursors.State(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, state.LastLiveMessageID)
	assert.True(t, state.BackfillComplete)
}

func TestSnapshotFlushesBufferFirst(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	src := newEnv(t, blobs)

	src.addDoc(1, 1, "buffered only")
	_, err := src.manager.Snapshot(ctx)
	require.NoError(t, err)

	dst := newEnv(t, blobs)
	_, err = dst.manager.Restore(ctx)
	require.NoError(t, err)
	assert.Len(t, search(t, dst.store, "buffered").Hits, 1)
}

func TestRestoreWithoutSnapshotReportsMissing(t *testing.T) {
	dst := newEnv(t, blobstore.NewMemoryStore())
	_, err := dst.manager.Restore(context.Background())
	assert.ErrorIs(t, err, pkgerrors.ErrSnapshotMissing)
}

func TestRestoreExcludesCorruptSegments(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	src := newEnv(t, blobs)

	src.addDoc(1, 1, "chat one data")
	src.store.Commit()
	src.addDoc(2, 1, "chat two data")
	src.store.Commit()
	require.NoError(t, src.cursors.MarkBackfillComplete(ctx, 2))

	id, err := src.manager.Snapshot(ctx)
	require.NoError(t, err)

	// Damage the second segment's blob; only chat two lives there.
	require.True(t, blobs.Corrupt(fmt.Sprintf("snapshots/%s/seg_%06d.bin", id, 2)))

	dst := newEnv(t, blobs)
	result, err := dst.manager.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Segments)
	assert.Equal(t, 1, result.CorruptBlobs)
	assert.Equal(t, []int64{2}, result.RebackfillChat)

	// The untouched chat is still searchable; the damaged one must be
	// re-backfilled from source.
	assert.Len(t, search(t, dst.store, "one").Hits, 1)
	assert.Empty(t, search(t, dst.store, "two").Hits)

	state, err := dst.cursors.State(ctx, 2)
	require.NoError(t, err)
	assert.False(t, state.BackfillComplete)
	assert.Zero(t, state.BackfillCursor)
}

func TestPruneKeepsNewestSnapshots(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	src := newEnv(t, blobs)

	var ids []string
	for i := 0; i < 4; i++ {
		src.addDoc(1, int64(i+1), "snapshot payload")
		id, err := src.manager.Snapshot(ctx)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Keep is 2: the two oldest snapshot directories are gone.
	for _, id := range ids[:2] {
		keys, err := blobs.List(ctx, "snapshots/"+id+"/")
		require.NoError(t, err)
		assert.Empty(t, keys, "snapshot %s should be pruned", id)
	}
	for _, id := range ids[2:] {
		keys, err := blobs.List(ctx, "snapshots/"+id+"/")
		require.NoError(t, err)
		assert.NotEmpty(t, keys)
	}

	// LATEST still points at the newest one.
	dst := newEnv(t, blobs)
	result, err := dst.manager.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[3], result.SnapshotID)
}
