package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/evanli-dev/chatsearch/internal/backup"
	"github.com/evanli-dev/chatsearch/internal/coordinator"
	"github.com/evanli-dev/chatsearch/internal/cursor"
	"github.com/evanli-dev/chatsearch/internal/index"
	"github.com/evanli-dev/chatsearch/internal/query"
	pkgerrors "github.com/evanli-dev/chatsearch/pkg/errors"
)

type handlers struct {
	searcher Searcher
	store    *index.Store
	cursors  *cursor.Tracker
	coord    *coordinator.Coordinator
	backups  *backup.Manager
	logger   *slog.Logger
}

// search handles GET /api/v1/search.
func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := query.Request{
		Query: q.Get("q"),
		Token: q.Get("token"),
	}
	if req.Query == "" {
		writeError(w, pkgerrors.Newf(pkgerrors.ErrMalformedQuery, http.StatusBadRequest, "missing q parameter"))
		return
	}
	if chats := q.Get("chats"); chats != "" {
		for _, part := range strings.Split(chats, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				writeError(w, pkgerrors.Newf(pkgerrors.ErrMalformedQuery, http.StatusBadRequest, "bad chat id %q", part))
				return
			}
			req.Chats = append(req.Chats, id)
		}
	}
	var parseErr error
	req.SenderID, parseErr = optionalInt(q.Get("sender"), parseErr)
	req.From, parseErr = optionalInt(q.Get("from"), parseErr)
	req.To, parseErr = optionalInt(q.Get("to"), parseErr)
	limit, parseErr := optionalInt(q.Get("limit"), parseErr)
	if parseErr != nil {
		writeError(w, pkgerrors.Newf(pkgerrors.ErrMalformedQuery, http.StatusBadRequest, "bad numeric parameter: %v", parseErr))
		return
	}
	req.Limit = int(limit)

	result, err := h.searcher.Search(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// chatStatus is one chat's row in the status report.
type chatStatus struct {
	ChatID            int64  `json:"chat_id"`
	Docs              int    `json:"docs"`
	NewestMessageID   int64  `json:"newest_message_id,omitempty"`
	NewestTimestamp   int64  `json:"newest_timestamp,omitempty"`
	LastLiveMessageID int64  `json:"last_live_message_id"`
	BackfillCursor    int64  `json:"backfill_cursor"`
	BackfillComplete  bool   `json:"backfill_complete"`
	NewestText        string `json:"newest_text,omitempty"`
}

type statusResponse struct {
	LiveDocs int          `json:"live_docs"`
	Segments int          `json:"segments"`
	Buffered int          `json:"buffered"`
	Chats    []chatStatus `json:"chats"`
}

// status handles GET /api/v1/status: per-chat document counts, newest
// indexed message, and sync cursor state.
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Snapshot()
	stats := snap.ChatStats()
	states := h.cursors.States()

	chats := make(map[int64]struct{}, len(stats)+len(states))
	for id := range stats {
		chats[id] = struct{}{}
	}
	for id := range states {
		chats[id] = struct{}{}
	}

	resp := statusResponse{
		LiveDocs: snap.LiveDocCount(),
		Segments: len(snap.Segments()),
		Buffered: h.store.BufferLen(),
		Chats:    make([]chatStatus, 0, len(chats)),
	}
	for id := range chats {
		row := chatStatus{ChatID: id}
		if stat, ok := stats[id]; ok {
			row.Docs = stat.Docs
			if stat.Newest != nil {
				row.NewestMessageID = stat.Newest.MessageID
				row.NewestTimestamp = stat.Newest.Timestamp
				row.NewestText = stat.Newest.Text
			}
		}
		if state, ok := states[id]; ok {
			row.LastLiveMessageID = state.LastLiveMessageID
			row.BackfillCursor = state.BackfillCursor
			row.BackfillComplete = state.BackfillComplete
		}
		resp.Chats = append(resp.Chats, row)
	}
	sort.Slice(resp.Chats, func(i, j int) bool { return resp.Chats[i].ChatID < resp.Chats[j].ChatID })
	writeJSON(w, http.StatusOK, resp)
}

// clearChat handles POST /api/v1/chats/{chatID}/clear: drops every indexed
// document of the chat and resets its sync state.
func (h *handlers) clearChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.PathValue("chatID"), 10, 64)
	if err != nil {
		writeError(w, pkgerrors.Newf(pkgerrors.ErrMalformedQuery, http.StatusBadRequest, "bad chat id"))
		return
	}
	removed, err := h.coord.ClearChat(r.Context(), chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chat_id":      chatID,
		"docs_removed": removed,
	})
}

// snapshot handles POST /api/v1/snapshots: triggers an immediate backup.
func (h *handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeError(w, pkgerrors.New(pkgerrors.ErrInternal, http.StatusServiceUnavailable, "backups disabled"))
		return
	}
	id, err := h.backups.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"snapshot_id": id,
		"created_at":  time.Now().UTC(),
	})
}

func optionalInt(s string, prior error) (int64, error) {
	if prior != nil || s == "" {
		return 0, prior
	}
	return strconv.ParseInt(s, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := pkgerrors.HTTPStatusCode(err)
	msg := err.Error()
	var appErr *pkgerrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
