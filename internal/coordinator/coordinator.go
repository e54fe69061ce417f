// Package coordinator enforces the write-side consistency rules. All writes
// for a chat funnel through that chat's single worker, so live events,
// backfill pages, and restores can never interleave for the same chat.
// Across chats, a weighted semaphore bounds how many workers run at once.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/evanli-dev/chatsearch/internal/cursor"
	"github.com/evanli-dev/chatsearch/internal/index"
	"github.com/evanli-dev/chatsearch/internal/message"
	"github.com/evanli-dev/chatsearch/internal/tokenizer"
	"github.com/evanli-dev/chatsearch/pkg/config"
	pkgerrors "github.com/evanli-dev/chatsearch/pkg/errors"
	"github.com/evanli-dev/chatsearch/pkg/logger"
	"github.com/evanli-dev/chatsearch/pkg/metrics"
)

// HistorySource pulls historical messages for backfill. FetchBefore returns
// up to limit messages with ids strictly below beforeID, newest first. An
// empty page means history is exhausted.
type HistorySource interface {
	FetchBefore(ctx context.Context, chatID, beforeID int64, limit int) ([]message.Message, error)
}

// BatchOutcome classifies how a backfill batch was handled.
type BatchOutcome string

const (
	BatchIndexed BatchOutcome = "indexed"
	BatchCovered BatchOutcome = "covered"
)

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

type chatWorker struct {
	tasks chan task
}

// Coordinator serializes writes per chat and applies version arbitration
// before anything reaches the index store.
type Coordinator struct {
	store   *index.Store
	cursors *cursor.Tracker
	tok     *tokenizer.Adapter
	metrics *metrics.Metrics
	cfg     config.IngestConfig

	sem *semaphore.Weighted

	mu      sync.Mutex
	workers map[int64]*chatWorker
	closed  bool
	submits sync.WaitGroup
	wg      sync.WaitGroup

	logger *slog.Logger
}

// New creates a coordinator. metrics may not be nil.
func New(store *index.Store, cursors *cursor.Tracker, tok *tokenizer.Adapter, m *metrics.Metrics, cfg config.IngestConfig) *Coordinator {
	workers := int64(cfg.MaxChatWorkers)
	if workers <= 0 {
		workers = 1
	}
	return &Coordinator{
		store:   store,
		cursors: cursors,
		tok:     tok,
		metrics: m,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(workers),
		workers: make(map[int64]*chatWorker),
		logger:  logger.WithComponent("coordinator"),
	}
}

// do runs fn on the chat's worker and waits for it. Tasks for one chat
// execute strictly in submission order. The submitter registers in submits
// before releasing the mutex, so Close never closes a task channel with a
// send still in flight.
func (c *Coordinator) do(ctx context.Context, chatID int64, fn func(context.Context) error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("coordinator closed: %w", pkgerrors.ErrInternal)
	}
	w, ok := c.workers[chatID]
	if !ok {
		w = &chatWorker{tasks: make(chan task, c.cfg.QueueDepth)}
		c.workers[chatID] = w
		c.wg.Add(1)
		go c.run(chatID, w)
	}
	c.submits.Add(1)
	c.mu.Unlock()

	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case w.tasks <- t:
		c.submits.Done()
	case <-ctx.Done():
		c.submits.Done()
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(chatID int64, w *chatWorker) {
	defer c.wg.Done()
	for t := range w.tasks {
		if err := c.sem.Acquire(t.ctx, 1); err != nil {
			t.done <- err
			continue
		}
		err := t.fn(t.ctx)
		c.sem.Release(1)
		t.done <- err
	}
}

// Close stops accepting writes and waits for in-flight tasks to drain.
// Task channels are closed only after every registered submitter has
// finished its send.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	workers := make([]*chatWorker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.mu.Unlock()

	c.submits.Wait()
	for _, w := range workers {
		close(w.tasks)
	}
	c.wg.Wait()
}

// UpsertLive applies a live new-message or edit event. When advance is set
// the chat's live high-water mark moves up to the message id; replayed or
// stale versions are dropped without error.
func (c *Coordinator) UpsertLive(ctx context.Context, msg message.Message, advance bool) (bool, error) {
	var applied bool
	err := c.do(ctx, msg.ChatID, func(ctx context.Context) error {
		applied = c.applyDoc(msg)
		if advance {
			return c.cursors.AdvanceLive(ctx, msg.ChatID, msg.MessageID)
		}
		return nil
	})
	return applied, err
}

// Tombstone applies a deletion. Tombstones are terminal: they apply
// regardless of edit version and nothing can resurrect the document.
func (c *Coordinator) Tombstone(ctx context.Context, chatID, messageID int64) error {
	return c.do(ctx, chatID, func(ctx context.Context) error {
		id := index.DocID{ChatID: chatID, MessageID: messageID}
		if _, tombstoned, _ := c.store.Lookup(id); tombstoned {
			return nil
		}
		c.store.Tombstone(id)
		c.metrics.TombstonesTotal.Inc()
		return nil
	})
}

// ApplyBatch indexes a backfill batch, or skips it when the batch range is
// already inside the chat's contiguous indexed range. Indexed batches are
// committed before the backfill cursor moves, so a crash between the two
// re-indexes the batch instead of losing it.
func (c *Coordinator) ApplyBatch(ctx context.Context, batch *message.BackfillBatch) (BatchOutcome, error) {
	outcome := BatchCovered
	err := c.do(ctx, batch.ChatID, func(ctx context.Context) error {
		if len(batch.Messages) == 0 {
			return nil
		}
		minID, maxID := batch.Bounds()
		state, err := c.cursors.State(ctx, batch.ChatID)
		if err != nil {
			return err
		}
		if state.Covers(minID, maxID) {
			c.metrics.StaleWritesTotal.Add(float64(len(batch.Messages)))
			return nil
		}
		for _, msg := range batch.Messages {
			c.applyDoc(msg)
		}
		c.store.Commit()
		if err := c.cursors.SetBackfillCursor(ctx, batch.ChatID, minID); err != nil {
			return err
		}
		if maxID > state.LastLiveMessageID {
			if err := c.cursors.AdvanceLive(ctx, batch.ChatID, maxID); err != nil {
				return err
			}
		}
		outcome = BatchIndexed
		return nil
	})
	return outcome, err
}

// StartBackfill walks a chat's history from the resume point toward the
// beginning, page by page, until the source is exhausted. Safe to call
// repeatedly: a completed chat returns immediately and an interrupted walk
// resumes from the persisted cursor.
func (c *Coordinator) StartBackfill(ctx context.Context, chatID int64, source HistorySource) error {
	return c.do(ctx, chatID, func(ctx context.Context) error {
		state, err := c.cursors.State(ctx, chatID)
		if err != nil {
			return err
		}
		if state.BackfillComplete {
			return nil
		}
		before := state.BackfillCursor
		if before == 0 {
			before = state.LastLiveMessageID + 1
		}
		log := c.logger.With("chat_id", chatID)
		log.Info("backfill starting", "before", before)

		pages := 0
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			page, err := source.FetchBefore(ctx, chatID, before, c.cfg.BackfillPage)
			if err != nil {
				c.metrics.BackfillBatchesTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("fetching history for chat %d before %d: %w", chatID, before, err)
			}
			if len(page) == 0 {
				if err := c.cursors.MarkBackfillComplete(ctx, chatID); err != nil {
					return err
				}
				log.Info("backfill complete", "pages", pages)
				return nil
			}
			minID := page[0].MessageID
			for _, msg := range page {
				if msg.MessageID < minID {
					minID = msg.MessageID
				}
				c.applyDoc(msg)
			}
			c.store.Commit()
			if err := c.cursors.SetBackfillCursor(ctx, chatID, minID); err != nil {
				return err
			}
			before = minID
			pages++
			c.metrics.BackfillBatchesTotal.WithLabelValues("indexed").Inc()
		}
	})
}

// ClearChat removes every document of a chat from the index and deletes its
// cursor record.
func (c *Coordinator) ClearChat(ctx context.Context, chatID int64) (int, error) {
	removed := 0
	err := c.do(ctx, chatID, func(ctx context.Context) error {
		removed = c.store.RemoveChat(chatID)
		return c.cursors.Reset(ctx, chatID)
	})
	return removed, err
}

// applyDoc runs version arbitration and buffers the accepted write. A write
// is accepted when the document is unknown, or when its edit version is
// strictly greater than the stored one. Tombstoned documents never accept
// new versions. Returns whether the write was applied.
func (c *Coordinator) applyDoc(msg message.Message) bool {
	id := index.DocID{ChatID: msg.ChatID, MessageID: msg.MessageID}
	existing, tombstoned, found := c.store.Lookup(id)
	if found {
		if tombstoned || msg.EditVersion <= existing {
			c.metrics.StaleWritesTotal.Inc()
			return false
		}
	}
	terms := c.tok.Segment(msg.Text, "")
	c.store.Upsert(&index.Document{
		ChatID:      msg.ChatID,
		MessageID:   msg.MessageID,
		SenderID:    msg.SenderID,
		Timestamp:   msg.Timestamp,
		EditVersion: msg.EditVersion,
		Text:        msg.Text,
		Terms:       terms,
	})
	c.metrics.DocsIndexedTotal.Inc()
	return true
}

// Lookup reports the stored version state for a document, for callers that
// need a read-only probe (the status endpoint).
func (c *Coordinator) Lookup(id index.DocID) (int64, bool, bool) {
	return c.store.Lookup(id)
}
