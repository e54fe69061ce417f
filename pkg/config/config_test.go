package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "message-events", cfg.Kafka.Topics.MessageEvents)
	assert.Equal(t, 2*time.Second, cfg.Index.CommitInterval)
	assert.Equal(t, 64, cfg.Ingest.MaxChatWorkers)
	assert.True(t, cfg.Backup.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
index:
  bufferMaxDocs: 42
ingest:
  excludedChats: [-100500, 77]
search:
  defaultLimit: 7
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 42, cfg.Index.BufferMaxDocs)
	assert.Equal(t, []int64{-100500, 77}, cfg.Ingest.ExcludedChats)
	assert.Equal(t, 7, cfg.Search.DefaultLimit)
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("CS_SERVER_PORT", "7777")
	t.Setenv("CS_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CS_BACKUP_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Backup.Enabled)
}

func TestPostgresDSN(t *testing.T) {
	cfg := PostgresConfig{
		Host: "db", Port: 5433, User: "u", Password: "p",
		Database: "d", SSLMode: "require",
	}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=d sslmode=require", cfg.DSN())
}
