// Package index implements the inverted index store: a mutable write buffer
// plus an ordered list of immutable committed segments. Commits publish a
// new segment-list pointer; readers capture the pointer once per query and
// keep a consistent snapshot for the query's lifetime.
package index

import (
	"fmt"

	"github.com/evanli-dev/chatsearch/internal/tokenizer"
)

// DocID identifies a document by its message identity.
type DocID struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// Compare orders DocIDs by (chat, message).
func (d DocID) Compare(o DocID) int {
	switch {
	case d.ChatID < o.ChatID:
		return -1
	case d.ChatID > o.ChatID:
		return 1
	case d.MessageID < o.MessageID:
		return -1
	case d.MessageID > o.MessageID:
		return 1
	}
	return 0
}

func (d DocID) String() string {
	return fmt.Sprintf("%d/%d", d.ChatID, d.MessageID)
}

// Document is the index-side projection of one accepted message version:
// raw text for snippets, terms with offsets, and filterable metadata.
type Document struct {
	ChatID      int64             `json:"chat_id"`
	MessageID   int64             `json:"message_id"`
	SenderID    int64             `json:"sender_id"`
	Timestamp   int64             `json:"timestamp"`
	EditVersion int64             `json:"edit_version"`
	Text        string            `json:"text"`
	Terms       []tokenizer.Token `json:"terms"`
}

// ID returns the document's identity.
func (d *Document) ID() DocID {
	return DocID{ChatID: d.ChatID, MessageID: d.MessageID}
}

// DocEntry is one committed write: either a document version or a tombstone.
type DocEntry struct {
	Doc       Document `json:"doc"`
	Tombstone bool     `json:"tombstone,omitempty"`
}

// Posting records a term's occurrences in one document. Positions are byte
// start offsets into the document text.
type Posting struct {
	Doc       DocID `json:"doc"`
	Frequency int   `json:"frequency"`
	Positions []int `json:"positions"`
}
