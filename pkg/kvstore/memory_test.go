package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRevisionedWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, _, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Revision 0 means "create".
	rev, err := s.SetIfRevision(ctx, "k", []byte("v1"), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rev)

	value, rev, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)
	assert.EqualValues(t, 1, rev)

	// A stale expected revision is rejected without writing.
	_, err = s.SetIfRevision(ctx, "k", []byte("stale"), 0)
	assert.ErrorIs(t, err, ErrRevisionMismatch)

	rev, err = s.SetIfRevision(ctx, "k", []byte("v2"), 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rev)

	value, _, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)
}

func TestMemoryStoreDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.SetIfRevision(ctx, "k", []byte("v"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))

	// Recreating after delete starts from revision 0 again.
	rev, err := s.SetIfRevision(ctx, "k", []byte("v"), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rev)
}
