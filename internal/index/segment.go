package index

import "sort"

// Segment is an immutable batch of committed writes with a monotonically
// increasing sequence number. A term's posting list never holds two entries
// for the same document within one segment; construction from the entry map
// guarantees that.
type Segment struct {
	Seq      uint64
	Docs     map[DocID]*DocEntry
	Postings map[string][]Posting
}

// newSegment builds a segment from committed entries, deriving posting lists
// from the live documents' terms. Tombstone entries contribute no postings.
func newSegment(seq uint64, entries map[DocID]*DocEntry) *Segment {
	seg := &Segment{
		Seq:      seq,
		Docs:     entries,
		Postings: make(map[string][]Posting),
	}
	for id, entry := range entries {
		if entry.Tombstone {
			continue
		}
		perTerm := make(map[string][]int)
		for _, tok := range entry.Doc.Terms {
			perTerm[tok.Term] = append(perTerm[tok.Term], tok.Start)
		}
		for term, positions := range perTerm {
			seg.Postings[term] = append(seg.Postings[term], Posting{
				Doc:       id,
				Frequency: len(positions),
				Positions: positions,
			})
		}
	}
	for term := range seg.Postings {
		postings := seg.Postings[term]
		sort.Slice(postings, func(i, j int) bool {
			return postings[i].Doc.Compare(postings[j].Doc) < 0
		})
	}
	return seg
}

// DocCount returns the number of entries committed in this segment,
// tombstones included.
func (s *Segment) DocCount() int {
	return len(s.Docs)
}

// ChatIDs returns the distinct chats touched by this segment, sorted.
func (s *Segment) ChatIDs() []int64 {
	seen := make(map[int64]struct{})
	for id := range s.Docs {
		seen[id.ChatID] = struct{}{}
	}
	ids := make([]int64, 0, len(seen))
	for chat := range seen {
		ids = append(ids, chat)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
