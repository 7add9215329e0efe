package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/RateLite/config"
)

func write(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(write(t, "server:\n  addr: \"\"\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.Equal(t, "/metrics", cfg.Observability.PrometheusPath)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 65536, cfg.Store.MaxKeys)
	assert.Equal(t, 60, cfg.Limit.Requests)
	assert.Equal(t, time.Minute, cfg.Limit.Window())
	assert.Equal(t, 10*time.Minute, cfg.Store.IdleTTL())
}

func TestLoadFull(t *testing.T) {
	cfg, err := config.Load(write(t, `
server:
  addr: ":9090"
  max_body_bytes: 1024
observability:
  log_level: debug
limit:
  requests: 100
  window_ms: 60000
store:
  backend: redis
  max_keys: 1000
  idle_ttl_ms: 30000
  fail_open: true
  redis:
    addr: "localhost:6379"
    prefix: "myapp:"
`))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, int64(1024), cfg.Server.MaxBody())
	assert.Equal(t, 100, cfg.Limit.Requests)
	assert.Equal(t, 60*time.Second, cfg.Limit.Window())
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.True(t, cfg.Store.FailOpen)
	assert.Equal(t, 30*time.Second, cfg.Store.IdleTTL())
	assert.Equal(t, "localhost:6379", cfg.Store.Redis.Addr)
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"zero requests", "limit:\n  requests: 0\n  window_ms: 60000\n"},
		{"negative requests", "limit:\n  requests: -5\n  window_ms: 60000\n"},
		{"zero window", "limit:\n  requests: 10\n  window_ms: 0\n"},
		{"negative max_keys", "store:\n  max_keys: -1\n"},
		{"unknown backend", "store:\n  backend: etcd\n"},
		{"redis without addr", "store:\n  backend: redis\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(write(t, tc.body))
			assert.Error(t, err, "broken config must fail at load, not at first request")
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
