// Package message defines the chat message model and the tagged event
// variant consumed by the ingestion pipeline. Every consumer handles the
// variant exhaustively; there is no other event dispatch mechanism.
package message

import "fmt"

// Message is one version of a chat message as delivered by the event source.
// Identity is (ChatID, MessageID); EditVersion increases monotonically with
// each edit of the same message.
type Message struct {
	ChatID      int64  `json:"chat_id"`
	MessageID   int64  `json:"message_id"`
	SenderID    int64  `json:"sender_id"`
	Timestamp   int64  `json:"timestamp"`
	Text        string `json:"text"`
	EditVersion int64  `json:"edit_version"`
}

// EventType tags the event variant.
type EventType string

const (
	EventNewMessage     EventType = "new_message"
	EventEditedMessage  EventType = "edited_message"
	EventDeletedMessage EventType = "deleted_message"
	EventBackfillBatch  EventType = "backfill_batch"
)

// DirectionOlder is the only backfill direction: batches always move toward
// older history.
const DirectionOlder = "older"

// Event is the tagged variant carried on the message-events topic. Message
// is set for the three live variants, Batch for backfill batches.
type Event struct {
	Type    EventType      `json:"type"`
	Message *Message       `json:"message,omitempty"`
	Batch   *BackfillBatch `json:"batch,omitempty"`
}

// BackfillBatch is an ordered run of historical messages for one chat.
type BackfillBatch struct {
	ChatID    int64     `json:"chat_id"`
	Direction string    `json:"direction"`
	Messages  []Message `json:"messages"`
}

// Bounds returns the smallest and largest message id in the batch.
func (b *BackfillBatch) Bounds() (minID, maxID int64) {
	for i, m := range b.Messages {
		if i == 0 || m.MessageID < minID {
			minID = m.MessageID
		}
		if i == 0 || m.MessageID > maxID {
			maxID = m.MessageID
		}
	}
	return minID, maxID
}

// Validate rejects events whose tag and payload disagree.
func (e *Event) Validate() error {
	switch e.Type {
	case EventNewMessage, EventEditedMessage, EventDeletedMessage:
		if e.Message == nil {
			return fmt.Errorf("%s event without message payload", e.Type)
		}
	case EventBackfillBatch:
		if e.Batch == nil {
			return fmt.Errorf("backfill event without batch payload")
		}
		if e.Batch.Direction != DirectionOlder {
			return fmt.Errorf("unsupported backfill direction %q", e.Batch.Direction)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
