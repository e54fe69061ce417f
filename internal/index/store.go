package index

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evanli-dev/chatsearch/pkg/config"
)

// authState is the committed arbitration record for one document, kept
// current on every commit so version lookups never scan segments.
type authState struct {
	version   int64
	tombstone bool
}

// Store owns the write buffer and the published segment list. Writers are
// serialized by the store mutex; readers never take it. Each query loads the
// copy-on-write segment-list pointer once via Snapshot. Old
// segments stay reachable from in-flight snapshots until the garbage
// collector drops them, so compaction never blocks readers.
type Store struct {
	mu        sync.Mutex
	buffer    map[DocID]*DocEntry
	authority map[DocID]authState
	nextSeq   uint64
	purge     func(chatID int64) bool

	published atomic.Pointer[[]*Segment]
	buffered  atomic.Int64

	cfg      config.IndexConfig
	onCommit []func()
	logger   *slog.Logger
}

// NewStore creates an empty store.
func NewStore(cfg config.IndexConfig) *Store {
	s := &Store{
		buffer:    make(map[DocID]*DocEntry),
		authority: make(map[DocID]authState),
		nextSeq:   1,
		cfg:       cfg,
		logger:    slog.Default().With("component", "index-store"),
	}
	empty := make([]*Segment, 0)
	s.published.Store(&empty)
	return s
}

// SetTombstonePurge registers the predicate deciding whether a chat's
// tombstone markers may be physically dropped during compaction. A marker
// dropped while the chat's history is still arriving would let a stale
// backfill page resurrect the deleted message, so without a predicate every
// marker is retained.
func (s *Store) SetTombstonePurge(fn func(chatID int64) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge = fn
}

// OnCommit registers a hook invoked after every published commit or
// compaction (query caches subscribe to invalidate themselves).
func (s *Store) OnCommit(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommit = append(s.onCommit, fn)
}

// Snapshot captures the published segment list once. The returned snapshot
// stays consistent regardless of concurrent commits.
func (s *Store) Snapshot() *Snapshot {
	return &Snapshot{segments: *s.published.Load()}
}

// Upsert buffers a document write. Version arbitration has already happened
// in the coordinator; the store applies what it is given.
func (s *Store) Upsert(doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer[doc.ID()] = &DocEntry{Doc: *doc}
	s.buffered.Store(int64(len(s.buffer)))
}

// Tombstone buffers a terminal deletion marker for a document.
func (s *Store) Tombstone(id DocID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer[id] = &DocEntry{
		Doc:       Document{ChatID: id.ChatID, MessageID: id.MessageID},
		Tombstone: true,
	}
	s.buffered.Store(int64(len(s.buffer)))
}

// Lookup returns the stored edit version and tombstone state for a document,
// consulting the uncommitted buffer first and then the committed authority
// map. Constant time per call; ingestion performs one lookup per message.
func (s *Store) Lookup(id DocID) (editVersion int64, tombstoned bool, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.buffer[id]; ok {
		return entry.Doc.EditVersion, entry.Tombstone, true
	}
	a, ok := s.authority[id]
	if !ok {
		return 0, false, false
	}
	return a.version, a.tombstone, true
}

// BufferLen returns the number of uncommitted buffered writes.
func (s *Store) BufferLen() int {
	return int(s.buffered.Load())
}

// NeedsCommit reports whether the buffer has reached the configured size
// threshold.
func (s *Store) NeedsCommit() bool {
	return s.cfg.BufferMaxDocs > 0 && s.BufferLen() >= s.cfg.BufferMaxDocs
}

// Commit converts the buffer into a new immutable segment and atomically
// publishes the extended segment list. Readers see all of the commit or none
// of it. An empty buffer commits to nil without publishing.
func (s *Store) Commit() *Segment {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil
	}
	seg := newSegment(s.nextSeq, s.buffer)
	s.nextSeq++
	for id, entry := range s.buffer {
		s.authority[id] = authState{version: entry.Doc.EditVersion, tombstone: entry.Tombstone}
	}
	s.buffer = make(map[DocID]*DocEntry)
	s.buffered.Store(0)

	current := *s.published.Load()
	next := make([]*Segment, len(current), len(current)+1)
	copy(next, current)
	next = append(next, seg)
	s.published.Store(&next)
	hooks := append([]func(){}, s.onCommit...)
	s.mu.Unlock()

	s.logger.Info("segment committed",
		"seq", seg.Seq,
		"docs", seg.DocCount(),
		"active_segments", len(next),
	)
	for _, fn := range hooks {
		fn()
	}
	return seg
}

// Compact merges all published segments into one, physically dropping
// superseded document versions. Tombstone markers are dropped only for chats
// the purge predicate clears; until a chat's history is fully indexed the
// marker is the only defence against a stale backfill page re-creating the
// deleted document. It returns the number of segments merged (0 when below
// the configured minimum). Readers keep their captured lists; the old
// segments are discarded once no snapshot references them.
func (s *Store) Compact() int {
	s.mu.Lock()
	current := *s.published.Load()
	if len(current) < s.cfg.CompactMinSegments || len(current) < 2 {
		s.mu.Unlock()
		return 0
	}
	live := make(map[DocID]*DocEntry)
	for _, seg := range current { // ascending seq: later wins
		for id, entry := range seg.Docs {
			if entry.Tombstone && s.purge != nil && s.purge(id.ChatID) {
				delete(live, id)
				delete(s.authority, id)
				continue
			}
			live[id] = entry
		}
	}
	merged := newSegment(s.nextSeq, live)
	s.nextSeq++
	next := []*Segment{merged}
	s.published.Store(&next)
	hooks := append([]func(){}, s.onCommit...)
	s.mu.Unlock()

	s.logger.Info("compaction complete",
		"merged_segments", len(current),
		"live_docs", merged.DocCount(),
		"seq", merged.Seq,
	)
	for _, fn := range hooks {
		fn()
	}
	return len(current)
}

// Install replaces the published segment list, used on restore before any
// events are accepted. The next sequence number continues after the highest
// restored one.
func (s *Store) Install(segments []*Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := append([]*Segment(nil), segments...)
	sort.Slice(next, func(i, j int) bool { return next[i].Seq < next[j].Seq })
	s.published.Store(&next)
	s.authority = make(map[DocID]authState)
	for _, seg := range next {
		if seg.Seq >= s.nextSeq {
			s.nextSeq = seg.Seq + 1
		}
		for id, entry := range seg.Docs {
			s.authority[id] = authState{version: entry.Doc.EditVersion, tombstone: entry.Tombstone}
		}
	}
}

// RemoveChat drops every buffered and committed document of a chat and
// returns how many live documents were removed. Segments are rewritten
// without the chat's entries and republished as one atomic swap.
func (s *Store) RemoveChat(chatID int64) int {
	s.mu.Lock()
	for id := range s.buffer {
		if id.ChatID == chatID {
			delete(s.buffer, id)
		}
	}
	s.buffered.Store(int64(len(s.buffer)))
	for id := range s.authority {
		if id.ChatID == chatID {
			delete(s.authority, id)
		}
	}

	current := *s.published.Load()
	removed := 0
	next := make([]*Segment, 0, len(current))
	for _, seg := range current {
		kept := make(map[DocID]*DocEntry, len(seg.Docs))
		for id, entry := range seg.Docs {
			if id.ChatID == chatID {
				if !entry.Tombstone {
					removed++
				}
				continue
			}
			kept[id] = entry
		}
		if len(kept) == 0 {
			continue
		}
		if len(kept) == len(seg.Docs) {
			next = append(next, seg)
			continue
		}
		next = append(next, newSegment(seg.Seq, kept))
	}
	s.published.Store(&next)
	hooks := append([]func(){}, s.onCommit...)
	s.mu.Unlock()

	s.logger.Info("chat cleared from index", "chat_id", chatID, "docs_removed", removed)
	for _, fn := range hooks {
		fn()
	}
	return removed
}

// StartCommitLoop commits the buffer on the configured interval until ctx is
// cancelled, with a final flush on shutdown.
func (s *Store) StartCommitLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CommitInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("commit loop stopping, performing final commit")
				s.Commit()
				return
			case <-ticker.C:
				if s.BufferLen() > 0 {
					s.Commit()
				}
			}
		}
	}()
}

// StartCompactionLoop runs compaction on the configured interval until ctx
// is cancelled.
func (s *Store) StartCompactionLoop(ctx context.Context) {
	if s.cfg.CompactInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CompactInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Compact()
			}
		}
	}()
}
