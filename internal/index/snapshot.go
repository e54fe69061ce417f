package index

import (
	"sort"
	"sync"
)

// Snapshot is a point-in-time view over the committed segment list. A reader
// holds the snapshot for the lifetime of one query; commits and compactions
// publish new lists and never mutate the segments a snapshot references.
type Snapshot struct {
	segments []*Segment

	authOnce sync.Once
	auth     map[DocID]authEntry
}

// authEntry records which segment holds the authoritative (newest committed)
// entry for a document.
type authEntry struct {
	seq   uint64
	entry *DocEntry
}

// resolve builds the per-document authority map: for every document the
// entry from the highest-sequence segment wins; older versions and anything
// behind a tombstone are superseded.
func (s *Snapshot) resolve() {
	s.authOnce.Do(func() {
		s.auth = make(map[DocID]authEntry)
		for _, seg := range s.segments { // ascending seq: later overwrites
			for id, entry := range seg.Docs {
				s.auth[id] = authEntry{seq: seg.Seq, entry: entry}
			}
		}
	})
}

// Postings returns the merged posting list for term across the snapshot,
// restricted to live authoritative document versions, sorted by DocID.
func (s *Snapshot) Postings(term string) []Posting {
	s.resolve()
	var merged []Posting
	for _, seg := range s.segments {
		for _, p := range seg.Postings[term] {
			auth := s.auth[p.Doc]
			if auth.seq != seg.Seq || auth.entry.Tombstone {
				continue
			}
			merged = append(merged, p)
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Doc.Compare(merged[j].Doc) < 0
	})
	return merged
}

// Doc returns the live authoritative version of a document.
func (s *Snapshot) Doc(id DocID) (*Document, bool) {
	s.resolve()
	auth, ok := s.auth[id]
	if !ok || auth.entry.Tombstone {
		return nil, false
	}
	return &auth.entry.Doc, true
}

// Segments returns the captured segment list, ascending by sequence.
func (s *Snapshot) Segments() []*Segment {
	return s.segments
}

// ChatStat summarises one chat's live presence in the snapshot.
type ChatStat struct {
	Docs   int
	Newest *Document
}

// ChatStats aggregates live document counts and the newest message per chat.
func (s *Snapshot) ChatStats() map[int64]ChatStat {
	s.resolve()
	stats := make(map[int64]ChatStat)
	for _, auth := range s.auth {
		if auth.entry.Tombstone {
			continue
		}
		doc := &auth.entry.Doc
		stat := stats[doc.ChatID]
		stat.Docs++
		if stat.Newest == nil || doc.MessageID > stat.Newest.MessageID {
			stat.Newest = doc
		}
		stats[doc.ChatID] = stat
	}
	return stats
}

// LiveDocCount returns the number of live (non-tombstoned, non-superseded)
// documents visible in the snapshot.
func (s *Snapshot) LiveDocCount() int {
	s.resolve()
	n := 0
	for _, auth := range s.auth {
		if !auth.entry.Tombstone {
			n++
		}
	}
	return n
}
