// Package ingest is the entry point for the message-event stream. It decodes
// and validates events off the event source, drops excluded chats, and hands
// each accepted event to the coordinator for the chat it belongs to.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/evanli-dev/chatsearch/internal/coordinator"
	"github.com/evanli-dev/chatsearch/internal/message"
	"github.com/evanli-dev/chatsearch/pkg/config"
	"github.com/evanli-dev/chatsearch/pkg/kafka"
	"github.com/evanli-dev/chatsearch/pkg/logger"
	"github.com/evanli-dev/chatsearch/pkg/metrics"
)

// Pipeline wires the event consumer to the coordinator.
type Pipeline struct {
	coord    *coordinator.Coordinator
	metrics  *metrics.Metrics
	excluded map[int64]struct{}
	logger   *slog.Logger
}

// New creates a pipeline. Chats listed in cfg.ExcludedChats are never
// indexed; their events are acknowledged and dropped.
func New(coord *coordinator.Coordinator, m *metrics.Metrics, cfg config.IngestConfig) *Pipeline {
	excluded := make(map[int64]struct{}, len(cfg.ExcludedChats))
	for _, id := range cfg.ExcludedChats {
		excluded[id] = struct{}{}
	}
	return &Pipeline{
		coord:    coord,
		metrics:  m,
		excluded: excluded,
		logger:   logger.WithComponent("ingest"),
	}
}

// Handler returns the consumer callback. Malformed events are acknowledged
// so the topic never wedges on a bad payload; processing errors are returned
// so the offset is retried.
func (p *Pipeline) Handler() kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[message.Event](value)
		if err != nil {
			p.metrics.EventsTotal.WithLabelValues("unknown", "error").Inc()
			p.logger.Warn("dropping undecodable event", "key", string(key), "error", err)
			return nil
		}
		if err := event.Validate(); err != nil {
			p.metrics.EventsTotal.WithLabelValues(string(event.Type), "error").Inc()
			p.logger.Warn("dropping invalid event", "key", string(key), "error", err)
			return nil
		}
		return p.Process(ctx, &event)
	}
}

// Process applies one validated event.
func (p *Pipeline) Process(ctx context.Context, event *message.Event) error {
	label := string(event.Type)
	outcome, err := p.dispatch(ctx, event)
	if err != nil {
		p.metrics.EventsTotal.WithLabelValues(label, "error").Inc()
		return err
	}
	p.metrics.EventsTotal.WithLabelValues(label, outcome).Inc()
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, event *message.Event) (string, error) {
	chatID := p.eventChat(event)
	if _, skip := p.excluded[chatID]; skip {
		return "excluded", nil
	}

	switch event.Type {
	case message.EventNewMessage:
		applied, err := p.coord.UpsertLive(ctx, *event.Message, true)
		if err != nil {
			return "", fmt.Errorf("applying new message %d/%d: %w", chatID, event.Message.MessageID, err)
		}
		if !applied {
			return "noop", nil
		}
		return "applied", nil

	case message.EventEditedMessage:
		// Edits carry the live high-water mark too: when an edit is the first
		// event seen for a chat, backfill must still resume below its id.
		applied, err := p.coord.UpsertLive(ctx, *event.Message, true)
		if err != nil {
			return "", fmt.Errorf("applying edit %d/%d: %w", chatID, event.Message.MessageID, err)
		}
		if !applied {
			return "noop", nil
		}
		return "applied", nil

	case message.EventDeletedMessage:
		if err := p.coord.Tombstone(ctx, chatID, event.Message.MessageID); err != nil {
			return "", fmt.Errorf("applying deletion %d/%d: %w", chatID, event.Message.MessageID, err)
		}
		return "applied", nil

	case message.EventBackfillBatch:
		outcome, err := p.coord.ApplyBatch(ctx, event.Batch)
		if err != nil {
			return "", fmt.Errorf("applying backfill batch for chat %d: %w", chatID, err)
		}
		p.metrics.BackfillBatchesTotal.WithLabelValues(string(outcome)).Inc()
		return string(outcome), nil
	}
	return "", fmt.Errorf("unhandled event type %q", event.Type)
}

func (p *Pipeline) eventChat(event *message.Event) int64 {
	if event.Message != nil {
		return event.Message.ChatID
	}
	return event.Batch.ChatID
}
