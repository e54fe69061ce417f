package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evanli-dev/chatsearch/internal/coordinator"
	"github.com/evanli-dev/chatsearch/internal/cursor"
	"github.com/evanli-dev/chatsearch/internal/index"
	"github.com/evanli-dev/chatsearch/internal/message"
	"github.com/evanli-dev/chatsearch/internal/tokenizer"
	"github.com/evanli-dev/chatsearch/pkg/config"
	"github.com/evanli-dev/chatsearch/pkg/kvstore"
	"github.com/evanli-dev/chatsearch/pkg/metrics"
)

type fixture struct {
	store    *index.Store
	cursors  *cursor.Tracker
	pipeline *Pipeline
}

func newFixture(t *testing.T, ingestCfg config.IngestConfig) *fixture {
	t.Helper()
	if ingestCfg.MaxChatWorkers == 0 {
		ingestCfg.MaxChatWorkers = 4
	}
	if ingestCfg.QueueDepth == 0 {
		ingestCfg.QueueDepth = 16
	}
	store := index.NewStore(config.IndexConfig{
		BufferMaxDocs:      1000,
		CommitInterval:     time.Second,
		CompactMinSegments: 2,
	})
	cursors := cursor.NewTracker(kvstore.NewMemoryStore())
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	coord := coordinator.New(store, cursors, tokenizer.New("unicode"), m, ingestCfg)
	t.Cleanup(coord.Close)
	return &fixture{
		store:    store,
		cursors:  cursors,
		pipeline: New(coord, m, ingestCfg),
	}
}

func newEvent(chatID, messageID, version int64, text string) *message.Event {
	return &message.Event{
		Type: message.EventNewMessage,
		Message: &message.Message{
			ChatID:      chatID,
			MessageID:   messageID,
			SenderID:    3,
			Timestamp:   1700000000 + messageID,
			Text:        text,
			EditVersion: version,
		},
	}
}

func TestProcessNewMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.IngestConfig{})

	require.NoError(t, f.pipeline.Process(ctx, newEvent(1, 10, 0, "hello there")))

	_, _, found := f.store.Lookup(index.DocID{ChatID: 1, MessageID: 10})
	assert.True(t, found)
	state, err := f.cursors.State(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 10, state.LastLiveMessageID)
}

func TestProcessEditAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.IngestConfig{})

	require.NoError(t, f.pipeline.Process(ctx, newEvent(1, 1, 0, "draft")))

	edit := newEvent(1, 1, 1, "final")
	edit.Type = message.EventEditedMessage
	require.NoError(t, f.pipeline.Process(ctx, edit))

	version, _, found := f.store.Lookup(index.DocID{ChatID: 1, MessageID: 1})
	require.True(t, found)
	assert.EqualValues(t, 1, version)

	del := newEvent(1, 1, 0, "")
	del.Type = message.EventDeletedMessage
	require.NoError(t, f.pipeline.Process(ctx, del))

	_, tombstoned, found := f.store.Lookup(index.DocID{ChatID: 1, MessageID: 1})
	require.True(t, found)
	assert.True(t, tombstoned)
}

func TestEditAdvancesLiveCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.IngestConfig{})

	// An edit can be the first event ever seen for a chat. It must raise the
	// live mark, or backfill would start at id 1 and skip the history.
	edit := newEvent(1, 500, 1, "edited before anything else")
	edit.Type = message.EventEditedMessage
	require.NoError(t, f.pipeline.Process(ctx, edit))

	state, err := f.cursors.State(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 500, state.LastLiveMessageID)

	// Replayed lower ids never move the mark backward.
	older := newEvent(1, 400, 2, "older edit replay")
	older.Type = message.EventEditedMessage
	require.NoError(t, f.pipeline.Process(ctx, older))

	state, err = f.cursors.State(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 500, state.LastLiveMessageID)
}

func TestProcessBackfillBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.IngestConfig{})

	batch := &message.BackfillBatch{ChatID: 1, Direction: message.DirectionOlder}
	for id := int64(5); id >= 1; id-- {
		batch.Messages = append(batch.Messages, message.Message{
			ChatID:    1,
			MessageID: id,
			Timestamp: 1700000000 + id,
			Text:      "older history",
		})
	}
	require.NoError(t, f.pipeline.Process(ctx, &message.Event{
		Type:  message.EventBackfillBatch,
		Batch: batch,
	}))

	assert.Equal(t, 5, f.store.Snapshot().LiveDocCount())
	state, err := f.cursors.State(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, state.BackfillCursor)
}

func TestExcludedChatIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.IngestConfig{ExcludedChats: []int64{42}})

	require.NoError(t, f.pipeline.Process(ctx, newEvent(42, 1, 0, "never indexed")))
	require.NoError(t, f.pipeline.Process(ctx, newEvent(1, 1, 0, "indexed fine")))

	_, _, found := f.store.Lookup(index.DocID{ChatID: 42, MessageID: 1})
	assert.False(t, found)
	_, _, found = f.store.Lookup(index.DocID{ChatID: 1, MessageID: 1})
	assert.True(t, found)
}

func TestHandlerAcknowledgesMalformedPayloads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.IngestConfig{})
	handler := f.pipeline.Handler()

	// Undecodable JSON and structurally invalid events must not be retried.
	assert.NoError(t, handler(ctx, []byte("1"), []byte("{not json")))

	invalid, err := json.Marshal(message.Event{Type: message.EventNewMessage})
	require.NoError(t, err)
	assert.NoError(t, handler(ctx, []byte("1"), invalid))

	unknown, err := json.Marshal(map[string]string{"type": "mystery"})
	require.NoError(t, err)
	assert.NoError(t, handler(ctx, []byte("1"), unknown))
}

func TestHandlerProcessesValidEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.IngestConfig{})
	handler := f.pipeline.Handler()

	payload, err := json.Marshal(newEvent(1, 7, 0, "via the wire"))
	require.NoError(t, err)
	require.NoError(t, handler(ctx, []byte("1"), payload))

	_, _, found := f.store.Lookup(index.DocID{ChatID: 1, MessageID: 7})
	assert.True(t, found)
}
