package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/evanli-dev/chatsearch/internal/index"
	"github.com/evanli-dev/chatsearch/pkg/logger"
	"github.com/evanli-dev/chatsearch/pkg/metrics"
)

// CachedEngine fronts the engine with a Redis result cache. Cache keys carry
// an index generation that every commit, compaction, and chat removal bumps,
// so a cached page can never outlive the snapshot it was computed from.
// Concurrent identical misses are collapsed with singleflight.
type CachedEngine struct {
	engine     *Engine
	rdb        *redis.Client
	ttl        time.Duration
	generation atomic.Int64
	group      singleflight.Group
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewCachedEngine wraps engine with caching. It registers the invalidation
// hook on the store; rdb may be nil, which disables caching entirely.
func NewCachedEngine(engine *Engine, store *index.Store, rdb *redis.Client, ttl time.Duration, m *metrics.Metrics) *CachedEngine {
	c := &CachedEngine{
		engine:  engine,
		rdb:     rdb,
		ttl:     ttl,
		metrics: m,
		logger:  logger.WithComponent("query-cache"),
	}
	store.OnCommit(func() {
		c.generation.Add(1)
	})
	return c
}

// Search serves from the cache when possible and falls through to the
// engine otherwise. Cache failures degrade to uncached execution.
func (c *CachedEngine) Search(ctx context.Context, req Request) (*Result, error) {
	if c.rdb == nil {
		return c.engine.Search(ctx, req)
	}
	start := time.Now()
	key := c.cacheKey(req)

	if cached, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var result Result
		if err := json.Unmarshal(cached, &result); err == nil {
			c.metrics.CacheHitsTotal.Inc()
			c.metrics.SearchLatency.WithLabelValues("hit").Observe(time.Since(start).Seconds())
			return &result, nil
		}
		c.logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
	} else if err != redis.Nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
	}
	c.metrics.CacheMissesTotal.Inc()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		result, err := c.engine.Search(ctx, req)
		if err != nil {
			return nil, err
		}
		if encoded, err := json.Marshal(result); err == nil {
			if err := c.rdb.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
				c.logger.Warn("cache write failed", "key", key, "error", err)
			}
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	c.metrics.SearchLatency.WithLabelValues("miss").Observe(time.Since(start).Seconds())
	return v.(*Result), nil
}

func (c *CachedEngine) cacheKey(req Request) string {
	raw, _ := json.Marshal(req)
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("search:%d:%s", c.generation.Load(), hex.EncodeToString(sum[:16]))
}
