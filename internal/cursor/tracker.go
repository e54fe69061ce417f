// Package cursor tracks per-chat synchronisation state: the newest message
// seen live and how far backward history has been filled in. State lives in
// the KV store behind revision-checked writes so concurrent updaters cannot
// silently clobber each other.
package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/evanli-dev/chatsearch/pkg/kvstore"
	"github.com/evanli-dev/chatsearch/pkg/logger"
)

const keyPrefix = "sync:"

// State is the persisted cursor record for one chat.
type State struct {
	// LastLiveMessageID is the highest message id observed from the live
	// stream. Monotonically non-decreasing.
	LastLiveMessageID int64 `json:"last_live_message_id"`
	// BackfillCursor is the lowest message id whose history page has been
	// indexed. Monotonically non-increasing while backfill runs. Zero means
	// backfill has not started.
	BackfillCursor int64 `json:"backfill_cursor"`
	// BackfillComplete latches true once history is exhausted. Everything in
	// (0, LastLiveMessageID] is then covered.
	BackfillComplete bool `json:"backfill_complete"`
}

// Covers reports whether [lo, hi] falls entirely inside the contiguous
// indexed range: down to the beginning of history once backfill completed,
// otherwise down to the backfill cursor.
func (s State) Covers(lo, hi int64) bool {
	if hi > s.LastLiveMessageID {
		return false
	}
	if s.BackfillComplete {
		return lo >= 1
	}
	return s.BackfillCursor != 0 && lo >= s.BackfillCursor
}

type cached struct {
	state State
	rev   int64
}

// Tracker owns cursor state for all chats. Reads are served from a local
// cache (read-your-writes within the process); writes go through the KV
// store with a compare-and-set on the record revision.
type Tracker struct {
	kv     kvstore.Store
	mu     sync.Mutex
	chats  map[int64]cached
	logger *slog.Logger
}

func NewTracker(kv kvstore.Store) *Tracker {
	return &Tracker{
		kv:     kv,
		chats:  make(map[int64]cached),
		logger: logger.WithComponent("cursor"),
	}
}

func key(chatID int64) string {
	return fmt.Sprintf("%s%d", keyPrefix, chatID)
}

// State returns the cursor record for a chat, loading it from the KV store
// on first access. A chat with no record yet gets a zero State.
func (t *Tracker) State(ctx context.Context, chatID int64) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.loadLocked(ctx, chatID)
	if err != nil {
		return State{}, err
	}
	return c.state, nil
}

// States returns a copy of every cached cursor record, keyed by chat. Used
// when building a snapshot manifest.
func (t *Tracker) States() map[int64]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int64]State, len(t.chats))
	for id, c := range t.chats {
		out[id] = c.state
	}
	return out
}

// AdvanceLive raises the live high-water mark. Lower or equal ids are
// ignored so replayed events cannot move the mark backward.
func (t *Tracker) AdvanceLive(ctx context.Context, chatID, messageID int64) error {
	return t.update(ctx, chatID, func(s *State) bool {
		if messageID <= s.LastLiveMessageID {
			return false
		}
		s.LastLiveMessageID = messageID
		return true
	})
}

// SetBackfillCursor lowers the backfill low-water mark. A higher value than
// the current cursor is ignored once the cursor is set: backfill only moves
// toward older history.
func (t *Tracker) SetBackfillCursor(ctx context.Context, chatID, messageID int64) error {
	return t.update(ctx, chatID, func(s *State) bool {
		if s.BackfillCursor != 0 && messageID >= s.BackfillCursor {
			return false
		}
		s.BackfillCursor = messageID
		return true
	})
}

// MarkBackfillComplete latches the completion flag for a chat.
func (t *Tracker) MarkBackfillComplete(ctx context.Context, chatID int64) error {
	return t.update(ctx, chatID, func(s *State) bool {
		if s.BackfillComplete {
			return false
		}
		s.BackfillComplete = true
		return true
	})
}

// FlagRebackfill clears backfill progress so the chat is walked again. Used
// after a restore that had to discard data for the chat.
func (t *Tracker) FlagRebackfill(ctx context.Context, chatID int64) error {
	return t.update(ctx, chatID, func(s *State) bool {
		if s.BackfillCursor == 0 && !s.BackfillComplete {
			return false
		}
		s.BackfillCursor = 0
		s.BackfillComplete = false
		return true
	})
}

// Reset deletes a chat's cursor record entirely.
func (t *Tracker) Reset(ctx context.Context, chatID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.kv.Delete(ctx, key(chatID)); err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
		return fmt.Errorf("deleting cursor for chat %d: %w", chatID, err)
	}
	delete(t.chats, chatID)
	return nil
}

// Seed installs restored cursor states for chats that have no record yet.
// Chats with existing state keep it: a live record is always fresher than a
// snapshot.
func (t *Tracker) Seed(ctx context.Context, states map[int64]State) error {
	for chatID, state := range states {
		t.mu.Lock()
		c, err := t.loadLocked(ctx, chatID)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		if c.rev != 0 || c.state != (State{}) {
			t.mu.Unlock()
			continue
		}
		t.mu.Unlock()
		seeded := state
		if err := t.update(ctx, chatID, func(s *State) bool {
			if *s != (State{}) {
				return false
			}
			*s = seeded
			return true
		}); err != nil {
			return err
		}
	}
	return nil
}

// update applies mutate under a CAS loop. mutate returns false when the
// change is a no-op for the current state; no write is issued then. On a
// revision conflict the state is refetched and mutate reapplied.
func (t *Tracker) update(ctx context.Context, chatID int64, mutate func(*State) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		c, err := t.loadLocked(ctx, chatID)
		if err != nil {
			return err
		}
		next := c.state
		if !mutate(&next) {
			return nil
		}
		value, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshaling cursor for chat %d: %w", chatID, err)
		}
		newRev, err := t.kv.SetIfRevision(ctx, key(chatID), value, c.rev)
		if err == nil {
			t.chats[chatID] = cached{state: next, rev: newRev}
			return nil
		}
		if !errors.Is(err, kvstore.ErrRevisionMismatch) {
			return fmt.Errorf("writing cursor for chat %d: %w", chatID, err)
		}
		t.logger.Debug("cursor revision conflict, retrying", "chat_id", chatID)
		delete(t.chats, chatID)
	}
}

// loadLocked fetches a chat's record into the cache if absent. Caller holds
// t.mu.
func (t *Tracker) loadLocked(ctx context.Context, chatID int64) (cached, error) {
	if c, ok := t.chats[chatID]; ok {
		return c, nil
	}
	value, rev, err := t.kv.Get(ctx, key(chatID))
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		c := cached{}
		t.chats[chatID] = c
		return c, nil
	}
	if err != nil {
		return cached{}, fmt.Errorf("loading cursor for chat %d: %w", chatID, err)
	}
	var state State
	if err := json.Unmarshal(value, &state); err != nil {
		return cached{}, fmt.Errorf("decoding cursor for chat %d: %w", chatID, err)
	}
	c := cached{state: state, rev: rev}
	t.chats[chatID] = c
	return c, nil
}
