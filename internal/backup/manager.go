// Package backup persists index snapshots to the blob store and restores
// them on startup. A snapshot is a set of encoded segment blobs plus a
// manifest; the LATEST pointer is written only after everything else landed,
// so a crash mid-upload leaves the previous snapshot intact.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/evanli-dev/chatsearch/internal/cursor"
	"github.com/evanli-dev/chatsearch/internal/index"
	"github.com/evanli-dev/chatsearch/pkg/blobstore"
	"github.com/evanli-dev/chatsearch/pkg/config"
	pkgerrors "github.com/evanli-dev/chatsearch/pkg/errors"
	"github.com/evanli-dev/chatsearch/pkg/logger"
	"github.com/evanli-dev/chatsearch/pkg/metrics"
	"github.com/evanli-dev/chatsearch/pkg/resilience"
)

const manifestFormatVersion = 1

// SegmentRef is one segment's entry in a manifest.
type SegmentRef struct {
	Seq      uint64  `json:"seq"`
	Key      string  `json:"key"`
	Docs     int     `json:"docs"`
	Checksum uint32  `json:"checksum"`
	ChatIDs  []int64 `json:"chat_ids"`
}

// Manifest describes one complete snapshot.
type Manifest struct {
	ID            string                 `json:"id"`
	CreatedAt     time.Time              `json:"created_at"`
	FormatVersion int                    `json:"format_version"`
	Segments      []SegmentRef           `json:"segments"`
	SyncStates    map[int64]cursor.State `json:"sync_states"`
}

// Manager runs periodic snapshots and performs restores.
type Manager struct {
	blobs   blobstore.Store
	store   *index.Store
	cursors *cursor.Tracker
	cfg     config.BackupConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewManager(blobs blobstore.Store, store *index.Store, cursors *cursor.Tracker, cfg config.BackupConfig, m *metrics.Metrics) *Manager {
	return &Manager{
		blobs:   blobs,
		store:   store,
		cursors: cursors,
		cfg:     cfg,
		metrics: m,
		logger:  logger.WithComponent("backup"),
	}
}

// Start runs snapshots on the configured interval until ctx is cancelled,
// with a final snapshot on shutdown.
func (m *Manager) Start(ctx context.Context) {
	if !m.cfg.Enabled || m.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("backup loop stopping, taking final snapshot")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if _, err := m.Snapshot(shutdownCtx); err != nil {
					m.logger.Error("final snapshot failed", "error", err)
				}
				cancel()
				return
			case <-ticker.C:
				if _, err := m.Snapshot(ctx); err != nil {
					m.logger.Error("scheduled snapshot failed", "error", err)
				}
			}
		}
	}()
}

// Snapshot flushes the buffer, uploads every published segment and the
// manifest, then flips the LATEST pointer. Returns the snapshot id.
func (m *Manager) Snapshot(ctx context.Context) (string, error) {
	start := time.Now()
	id := uuid.New().String()

	m.store.Commit()
	snap := m.store.Snapshot()
	segments := snap.Segments()

	manifest := Manifest{
		ID:            id,
		CreatedAt:     time.Now().UTC(),
		FormatVersion: manifestFormatVersion,
		Segments:      make([]SegmentRef, 0, len(segments)),
		SyncStates:    m.cursors.States(),
	}

	for _, seg := range segments {
		blob, err := index.EncodeSegment(seg)
		if err != nil {
			m.metrics.SnapshotsTotal.WithLabelValues("error").Inc()
			return "", fmt.Errorf("encoding segment %d: %w", seg.Seq, err)
		}
		key := m.segmentKey(id, seg.Seq)
		if err := m.put(ctx, key, blob); err != nil {
			m.metrics.SnapshotsTotal.WithLabelValues("error").Inc()
			return "", err
		}
		manifest.Segments = append(manifest.Segments, SegmentRef{
			Seq:      seg.Seq,
			Key:      key,
			Docs:     seg.DocCount(),
			Checksum: index.Checksum(blob),
			ChatIDs:  seg.ChatIDs(),
		})
	}

	encoded, err := json.Marshal(manifest)
	if err != nil {
		m.metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := m.put(ctx, m.manifestKey(id), encoded); err != nil {
		m.metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	// The pointer flip is the commit point of the whole snapshot.
	if err := m.put(ctx, m.latestKey(), []byte(id)); err != nil {
		m.metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		return "", err
	}

	m.metrics.SnapshotsTotal.WithLabelValues("success").Inc()
	m.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	m.logger.Info("snapshot uploaded",
		"id", id,
		"segments", len(manifest.Segments),
		"duration", time.Since(start),
	)

	if err := m.prune(ctx, id); err != nil {
		m.logger.Warn("pruning old snapshots failed", "error", err)
	}
	return id, nil
}

// RestoreResult reports what a restore recovered and what it had to give up.
type RestoreResult struct {
	SnapshotID     string
	Segments       int
	CorruptBlobs   int
	RebackfillChat []int64
}

// Restore loads the snapshot the LATEST pointer names and installs it into
// the index store. Segments that fail validation are excluded and every chat
// they touched is flagged for re-backfill, so the engine restarts with a
// smaller but consistent index instead of refusing to start.
func (m *Manager) Restore(ctx context.Context) (*RestoreResult, error) {
	id, err := m.latestID(ctx)
	if err != nil {
		return nil, err
	}
	manifest, err := m.loadManifest(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		segments   []*index.Segment
		corrupt    int
		rebackfill = make(map[int64]struct{})
	)
	for _, ref := range manifest.Segments {
		blob, err := m.get(ctx, ref.Key)
		if err != nil {
			return nil, fmt.Errorf("fetching segment blob %s: %w", ref.Key, err)
		}
		seg, err := index.DecodeSegment(blob)
		if err != nil {
			if !errors.Is(err, pkgerrors.ErrCorruptSegment) {
				return nil, err
			}
			corrupt++
			for _, chatID := range ref.ChatIDs {
				rebackfill[chatID] = struct{}{}
			}
			m.logger.Warn("excluding corrupt segment from restore",
				"key", ref.Key,
				"seq", ref.Seq,
				"error", err,
			)
			continue
		}
		segments = append(segments, seg)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Seq < segments[j].Seq })
	m.store.Install(segments)

	if err := m.cursors.Seed(ctx, manifest.SyncStates); err != nil {
		return nil, fmt.Errorf("seeding cursor states: %w", err)
	}
	result := &RestoreResult{
		SnapshotID:   manifest.ID,
		Segments:     len(segments),
		CorruptBlobs: corrupt,
	}
	for chatID := range rebackfill {
		if err := m.cursors.FlagRebackfill(ctx, chatID); err != nil {
			return nil, err
		}
		result.RebackfillChat = append(result.RebackfillChat, chatID)
	}
	sort.Slice(result.RebackfillChat, func(i, j int) bool {
		return result.RebackfillChat[i] < result.RebackfillChat[j]
	})

	m.logger.Info("restore complete",
		"snapshot_id", manifest.ID,
		"segments", result.Segments,
		"corrupt_blobs", corrupt,
		"rebackfill_chats", len(result.RebackfillChat),
	)
	return result, nil
}

// prune deletes all snapshot directories except the newest Keep ones,
// identified by manifest creation time. The active snapshot is always kept.
func (m *Manager) prune(ctx context.Context, activeID string) error {
	if m.cfg.Keep <= 0 {
		return nil
	}
	keys, err := m.blobs.List(ctx, m.cfg.Prefix+"/")
	if err != nil {
		return err
	}
	type snapInfo struct {
		id      string
		created time.Time
	}
	var snaps []snapInfo
	for _, key := range keys {
		if path.Base(key) != "manifest.json" {
			continue
		}
		id := path.Base(path.Dir(key))
		manifest, err := m.loadManifest(ctx, id)
		if err != nil {
			m.logger.Warn("skipping unreadable manifest during prune", "id", id, "error", err)
			continue
		}
		snaps = append(snaps, snapInfo{id: id, created: manifest.CreatedAt})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].created.After(snaps[j].created) })

	for i, s := range snaps {
		if i < m.cfg.Keep || s.id == activeID {
			continue
		}
		dirKeys, err := m.blobs.List(ctx, m.snapshotDir(s.id))
		if err != nil {
			return err
		}
		for _, key := range dirKeys {
			if err := m.blobs.Delete(ctx, key); err != nil {
				return err
			}
		}
		m.logger.Info("pruned old snapshot", "id", s.id)
	}
	return nil
}

func (m *Manager) latestID(ctx context.Context) (string, error) {
	blob, err := m.get(ctx, m.latestKey())
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return "", fmt.Errorf("%w: no snapshot pointer", pkgerrors.ErrSnapshotMissing)
	}
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(blob)), nil
}

func (m *Manager) loadManifest(ctx context.Context, id string) (*Manifest, error) {
	blob, err := m.get(ctx, m.manifestKey(id))
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, fmt.Errorf("%w: manifest for %s", pkgerrors.ErrSnapshotMissing, id)
	}
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(blob, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest %s: %w", id, err)
	}
	if manifest.FormatVersion != manifestFormatVersion {
		return nil, fmt.Errorf("unsupported manifest format %d for %s", manifest.FormatVersion, id)
	}
	return &manifest, nil
}

func (m *Manager) put(ctx context.Context, key string, blob []byte) error {
	return resilience.Retry(ctx, "blob put "+key, func() error {
		return m.blobs.Put(ctx, key, bytes.NewReader(blob))
	})
}

func (m *Manager) get(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	var notFound error
	err := resilience.Retry(ctx, "blob get "+key, func() error {
		rc, err := m.blobs.Get(ctx, key)
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			// Absence is a definitive answer, not a transient failure.
			notFound = err
			return nil
		}
		if err != nil {
			return err
		}
		defer rc.Close()
		blob, err = io.ReadAll(rc)
		return err
	})
	if err != nil {
		return nil, err
	}
	if notFound != nil {
		return nil, notFound
	}
	return blob, nil
}

func (m *Manager) snapshotDir(id string) string {
	return fmt.Sprintf("%s/%s/", m.cfg.Prefix, id)
}

func (m *Manager) segmentKey(id string, seq uint64) string {
	return fmt.Sprintf("%s/%s/seg_%06d.bin", m.cfg.Prefix, id, seq)
}

func (m *Manager) manifestKey(id string) string {
	return fmt.Sprintf("%s/%s/manifest.json", m.cfg.Prefix, id)
}

func (m *Manager) latestKey() string {
	return m.cfg.Prefix + "/LATEST"
}
