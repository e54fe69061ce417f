// chatsearch is the chat message search engine: it consumes message events,
// maintains the inverted index, snapshots it to the blob store, and serves
// search queries over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evanli-dev/chatsearch/internal/api"
	"github.com/evanli-dev/chatsearch/internal/backup"
	"github.com/evanli-dev/chatsearch/internal/coordinator"
	"github.com/evanli-dev/chatsearch/internal/cursor"
	"github.com/evanli-dev/chatsearch/internal/index"
	"github.com/evanli-dev/chatsearch/internal/ingest"
	"github.com/evanli-dev/chatsearch/internal/query"
	"github.com/evanli-dev/chatsearch/internal/tokenizer"
	"github.com/evanli-dev/chatsearch/pkg/blobstore"
	"github.com/evanli-dev/chatsearch/pkg/config"
	pkgerrors "github.com/evanli-dev/chatsearch/pkg/errors"
	"github.com/evanli-dev/chatsearch/pkg/health"
	"github.com/evanli-dev/chatsearch/pkg/kafka"
	"github.com/evanli-dev/chatsearch/pkg/kvstore"
	"github.com/evanli-dev/chatsearch/pkg/logger"
	"github.com/evanli-dev/chatsearch/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	log := slog.Default().With("component", "main")
	log.Info("chatsearch starting", "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := kvstore.NewRedisStore(cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	blobs, err := blobstore.NewPostgresStore(cfg.Postgres)
	if err != nil {
		log.Error("failed to connect to postgres", "host", cfg.Postgres.Host, "error", err)
		os.Exit(1)
	}
	defer blobs.Close()

	m := metrics.New()
	store := index.NewStore(cfg.Index)
	cursors := cursor.NewTracker(kv)
	backups := backup.NewManager(blobs, store, cursors, cfg.Backup, m)

	// Restore runs before anything writes: a missing snapshot means a cold
	// start, anything else is fatal.
	if _, err := backups.Restore(ctx); err != nil {
		if !errors.Is(err, pkgerrors.ErrSnapshotMissing) {
			log.Error("restore failed", "error", err)
			os.Exit(1)
		}
		log.Info("no snapshot found, starting with an empty index")
	}

	tok := tokenizer.New("unicode")
	coord := coordinator.New(store, cursors, tok, m, cfg.Ingest)
	defer coord.Close()
	pipeline := ingest.New(coord, m, cfg.Ingest)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.MessageEvents, pipeline.Handler())

	parser := query.NewParser(tok)
	engine := query.NewEngine(store, parser, cfg.Search, m)
	searcher := query.NewCachedEngine(engine, store, kv.Client(), cfg.Redis.CacheTTL, m)

	// Tombstone markers survive compaction until a chat's history is fully
	// indexed; after that the cursor range itself rejects stale pages.
	store.SetTombstonePurge(func(chatID int64) bool {
		state, err := cursors.State(ctx, chatID)
		return err == nil && state.BackfillComplete
	})
	store.OnCommit(func() {
		m.CommitsTotal.Inc()
		m.ActiveSegments.Set(float64(len(store.Snapshot().Segments())))
		m.BufferedDocs.Set(float64(store.BufferLen()))
	})

	checker := health.NewChecker()
	checker.Register("redis", pingCheck(kv.Ping))
	checker.Register("postgres", pingCheck(blobs.Ping))

	store.StartCommitLoop(ctx)
	store.StartCompactionLoop(ctx)
	backups.Start(ctx)

	server := api.NewServer(cfg.Server, api.Deps{
		Searcher: searcher,
		Store:    store,
		Cursors:  cursors,
		Coord:    coord,
		Backups:  backups,
		Health:   checker,
	})

	var stopMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		stopMetrics = metrics.StartServer(cfg.Metrics.Port)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Start(gctx)
	})
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if stopMetrics != nil {
			if err := stopMetrics(shutdownCtx); err != nil {
				log.Error("metrics server shutdown failed", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("shutdown with error", "error", err)
		os.Exit(1)
	}
	log.Info("chatsearch stopped")
}

func pingCheck(ping func(context.Context) error) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		start := time.Now()
		if err := ping(ctx); err != nil {
			return health.ComponentHealth{
				Status:  health.StatusDown,
				Message: err.Error(),
				Latency: time.Since(start).String(),
			}
		}
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Latency: time.Since(start).String(),
		}
	}
}
