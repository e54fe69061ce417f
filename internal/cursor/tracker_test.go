package cursor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evanli-dev/chatsearch/pkg/kvstore"
)

func TestAdvanceLiveIsMonotonic(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(kvstore.NewMemoryStore())

	require.NoError(t, tr.AdvanceLive(ctx, 1, 100))
	require.NoError(t, tr.AdvanceLive(ctx, 1, 50))
	require.NoError(t, tr.AdvanceLive(ctx, 1, 100))

	state, err := tr.State(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 100, state.LastLiveMessageID)
}

func TestBackfillCursorOnlyMovesOlder(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(kvstore.NewMemoryStore())

	require.NoError(t, tr.SetBackfillCursor(ctx, 1, 80))
	require.NoError(t, tr.SetBackfillCursor(ctx, 1, 90))
	require.NoError(t, tr.SetBackfillCursor(ctx, 1, 60))

	state, err := tr.State(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 60, state.BackfillCursor)
}

func TestBackfillCompleteLatches(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(kvstore.NewMemoryStore())

	require.NoError(t, tr.MarkBackfillComplete(ctx, 1))
	state, err := tr.State(ctx, 1)
	require.NoError(t, err)
	assert.True(t, state.BackfillComplete)
}

func TestFlagRebackfillClearsProgress(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(kvstore.NewMemoryStore())

	require.NoError(t, tr.AdvanceLive(ctx, 1, 100))
	require.NoError(t, tr.SetBackfillCursor(ctx, 1, 40))
	require.NoError(t, tr.MarkBackfillComplete(ctx, 1))
	require.NoError(t, tr.FlagRebackfill(ctx, 1))

	state, err := tr.State(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 100, state.LastLiveMessageID, "live mark survives re-backfill")
	assert.Zero(t, state.BackfillCursor)
	assert.False(t, state.BackfillComplete)
}

func TestCovers(t *testing.T) {
	cases := []struct {
		name  string
		state State
		lo    int64
		hi    int64
		want  bool
	}{
		{"complete covers everything up to live", State{LastLiveMessageID: 100, BackfillComplete: true}, 1, 100, true},
		{"complete but above live", State{LastLiveMessageID: 100, BackfillComplete: true}, 90, 110, false},
		{"partial covers above cursor", State{LastLiveMessageID: 100, BackfillCursor: 50}, 50, 100, true},
		{"partial misses below cursor", State{LastLiveMessageID: 100, BackfillCursor: 50}, 40, 60, false},
		{"not started covers nothing", State{LastLiveMessageID: 100}, 90, 100, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.state.Covers(tc.lo, tc.hi))
		})
	}
}

func TestConcurrentTrackersConvergeViaCAS(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	a := NewTracker(kv)
	b := NewTracker(kv)

	// Both trackers cache the same revision, then write; the loser of the
	// race refetches and reapplies.
	_, err := a.State(ctx, 1)
	require.NoError(t, err)
	_, err = b.State(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, a.AdvanceLive(ctx, 1, 10))
	require.NoError(t, b.AdvanceLive(ctx, 1, 20))

	// b's cached revision was stale when it wrote; it refetched a's write
	// and reapplied on top of it.
	fresh := NewTracker(kv)
	state, err := fresh.State(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 20, state.LastLiveMessageID)
}

func TestSeedOnlyFillsMissingChats(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(kvstore.NewMemoryStore())

	require.NoError(t, tr.AdvanceLive(ctx, 1, 500))
	require.NoError(t, tr.Seed(ctx, map[int64]State{
		1: {LastLiveMessageID: 10},
		2: {LastLiveMessageID: 30, BackfillComplete: true},
	}))

	s1, err := tr.State(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 500, s1.LastLiveMessageID, "existing state wins over snapshot")

	s2, err := tr.State(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 30, s2.LastLiveMessageID)
	assert.True(t, s2.BackfillComplete)
}

func TestResetDeletesRecord(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	tr := NewTracker(kv)

	require.NoError(t, tr.AdvanceLive(ctx, 1, 42))
	require.NoError(t, tr.Reset(ctx, 1))

	state, err := NewTracker(kv).State(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, State{}, state)
}
