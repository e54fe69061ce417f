package query

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/evanli-dev/chatsearch/internal/index"
	"github.com/evanli-dev/chatsearch/pkg/config"
	"github.com/evanli-dev/chatsearch/pkg/logger"
	"github.com/evanli-dev/chatsearch/pkg/metrics"
)

// Request is one search invocation. Zero-valued filters are inactive.
type Request struct {
	Query    string  `json:"query"`
	Chats    []int64 `json:"chats,omitempty"`
	SenderID int64   `json:"sender_id,omitempty"`
	From     int64   `json:"from,omitempty"`
	To       int64   `json:"to,omitempty"`
	Limit    int     `json:"limit,omitempty"`
	Token    string  `json:"token,omitempty"`
}

// Hit is one matched message.
type Hit struct {
	ChatID    int64   `json:"chat_id"`
	MessageID int64   `json:"message_id"`
	SenderID  int64   `json:"sender_id"`
	Timestamp int64   `json:"timestamp"`
	Score     float64 `json:"score"`
	Snippet   string  `json:"snippet"`
}

// Result is one page of hits. Total counts all matches after filtering, not
// just this page. NextToken is empty on the last page.
type Result struct {
	Hits      []Hit  `json:"hits"`
	Total     int    `json:"total"`
	NextToken string `json:"next_token,omitempty"`
}

// Engine executes searches against index snapshots.
type Engine struct {
	store   *index.Store
	parser  *Parser
	cfg     config.SearchConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewEngine(store *index.Store, parser *Parser, cfg config.SearchConfig, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   store,
		parser:  parser,
		cfg:     cfg,
		metrics: m,
		logger:  logger.WithComponent("query-engine"),
	}
}

type candidate struct {
	doc    *index.Document
	tf     int
	anchor int // byte offset of the earliest matched term, for snippets
	score  float64
}

// Search runs one query over a single snapshot captured at entry. The
// snapshot guarantees the result set is internally consistent even while
// commits land concurrently.
func (e *Engine) Search(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	parsed, err := e.parser.Parse(req.Query)
	if err != nil {
		e.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	var after *PageToken
	if req.Token != "" {
		t, err := DecodePageToken(req.Token)
		if err != nil {
			e.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		after = &t
	}
	limit := req.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	if e.cfg.MaxResults > 0 && limit > e.cfg.MaxResults {
		limit = e.cfg.MaxResults
	}

	snap := e.store.Snapshot()
	candidates := e.collect(snap, parsed, req)

	// A continuation pins the recency reference of the first page; otherwise
	// the newest candidate anchors scoring.
	var ref int64
	if after != nil {
		ref = after.R
	}
	if ref == 0 {
		for _, c := range candidates {
			if c.doc.Timestamp > ref {
				ref = c.doc.Timestamp
			}
		}
	}
	e.rank(candidates, ref)

	if after != nil {
		filtered := candidates[:0]
		for _, c := range candidates {
			if tokenLess(c, *after) {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	result := &Result{Total: len(candidates), Hits: make([]Hit, 0, limit)}
	page := candidates
	if len(page) > limit {
		page = page[:limit]
	}
	for _, c := range page {
		result.Hits = append(result.Hits, e.toHit(c))
	}
	if len(candidates) > limit && len(page) > 0 {
		last := page[len(page)-1]
		result.NextToken = PageToken{
			S: last.score,
			T: last.doc.Timestamp,
			C: last.doc.ChatID,
			M: last.doc.MessageID,
			R: ref,
		}.Encode()
	}

	outcome := "hit"
	if len(result.Hits) == 0 {
		outcome = "zero_result"
	}
	e.metrics.SearchQueriesTotal.WithLabelValues(outcome).Inc()
	e.logger.Debug("search executed",
		"terms", len(parsed.Terms),
		"total", result.Total,
		"returned", len(result.Hits),
		"duration", time.Since(start),
	)
	return result, nil
}

// collect intersects the per-term posting lists and applies the request
// filters. Every query term must match.
func (e *Engine) collect(snap *index.Snapshot, parsed Parsed, req Request) []candidate {
	first := snap.Postings(parsed.Terms[0])
	if len(first) == 0 {
		return nil
	}

	matched := make(map[index.DocID]*candidate, len(first))
	for i := range first {
		p := first[i]
		matched[p.Doc] = &candidate{tf: p.Frequency, anchor: firstPosition(p)}
	}
	for _, term := range parsed.Terms[1:] {
		postings := snap.Postings(term)
		surviving := make(map[index.DocID]*candidate, len(postings))
		for _, p := range postings {
			if c, ok := matched[p.Doc]; ok {
				c.tf += p.Frequency
				// The snippet anchors on whichever matched term occurs
				// earliest in the text, not on query order.
				if pos := firstPosition(p); pos >= 0 && (c.anchor < 0 || pos < c.anchor) {
					c.anchor = pos
				}
				surviving[p.Doc] = c
			}
		}
		matched = surviving
		if len(matched) == 0 {
			return nil
		}
	}

	chatFilter := make(map[int64]struct{}, len(req.Chats))
	for _, id := range req.Chats {
		chatFilter[id] = struct{}{}
	}

	out := make([]candidate, 0, len(matched))
	for id, c := range matched {
		doc, ok := snap.Doc(id)
		if !ok {
			continue
		}
		if len(chatFilter) > 0 {
			if _, ok := chatFilter[doc.ChatID]; !ok {
				continue
			}
		}
		if req.SenderID != 0 && doc.SenderID != req.SenderID {
			continue
		}
		if req.From != 0 && doc.Timestamp < req.From {
			continue
		}
		if req.To != 0 && doc.Timestamp > req.To {
			continue
		}
		c.doc = doc
		out = append(out, *c)
	}
	return out
}

// rank scores candidates with term frequency damped by the natural log and a
// recency factor relative to ref, then orders them by
// (score, timestamp, chat, message) descending. Documents newer than ref
// (committed after the first page) score as if written at ref; the position
// tie-break still puts them first among equals.
func (e *Engine) rank(candidates []candidate, ref int64) {
	for i := range candidates {
		c := &candidates[i]
		ageDays := float64(ref-c.doc.Timestamp) / 86400.0
		if ageDays < 0 {
			ageDays = 0
		}
		recency := 1.0 / (1.0 + ageDays)
		c.score = (1.0 + math.Log(float64(c.tf))) * recency
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.doc.Timestamp != b.doc.Timestamp {
			return a.doc.Timestamp > b.doc.Timestamp
		}
		if a.doc.ChatID != b.doc.ChatID {
			return a.doc.ChatID > b.doc.ChatID
		}
		return a.doc.MessageID > b.doc.MessageID
	})
}

// tokenLess reports whether a candidate sorts strictly after the token
// position, meaning it belongs on a subsequent page.
func tokenLess(c candidate, t PageToken) bool {
	if c.score != t.S {
		return c.score < t.S
	}
	if c.doc.Timestamp != t.T {
		return c.doc.Timestamp < t.T
	}
	if c.doc.ChatID != t.C {
		return c.doc.ChatID < t.C
	}
	return c.doc.MessageID < t.M
}

// firstPosition returns a posting's earliest occurrence offset, -1 when the
// posting carries no positions.
func firstPosition(p index.Posting) int {
	if len(p.Positions) == 0 {
		return -1
	}
	return p.Positions[0]
}

func (e *Engine) toHit(c candidate) Hit {
	start, end := 0, 0
	if c.anchor >= 0 {
		start = c.anchor
		end = start
		for _, tok := range c.doc.Terms {
			if tok.Start == start {
				end = tok.End
				break
			}
		}
	}
	return Hit{
		ChatID:    c.doc.ChatID,
		MessageID: c.doc.MessageID,
		SenderID:  c.doc.SenderID,
		Timestamp: c.doc.Timestamp,
		Score:     c.score,
		Snippet:   snippet(c.doc.Text, start, end, e.cfg.SnippetRunes),
	}
}
