package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, uint16(3001), cfg.HTTP.Port)
	require.Equal(t, 5*time.Second, cfg.Session.SubmitTimeout)
	require.Equal(t, 256, cfg.Session.OutboundQueueSize)
	require.Equal(t, 3*time.Second, cfg.Client.ReconnectInterval)
	require.Equal(t, "memory", cfg.RateLimiter.Backend)
	require.False(t, cfg.Redis.Enabled)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  port: 9090
session:
  reconnect_grace: 2s
  outbound_queue_size: 8
archive:
  enabled: true
  path: /tmp/a.db
`), 0o600))

	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("SESSION_IDLE_TTL", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, uint16(9090), cfg.HTTP.Port)
	require.Equal(t, 2*time.Second, cfg.Session.ReconnectGrace)
	require.Equal(t, 8, cfg.Session.OutboundQueueSize)
	require.Equal(t, 90*time.Second, cfg.Session.IdleTTL)
	require.True(t, cfg.Archive.Enabled)
	require.Equal(t, "/tmp/a.db", cfg.Archive.Path)
	require.True(t, cfg.Redis.Enabled)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
