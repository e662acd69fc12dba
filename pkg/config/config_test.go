package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 8, c.Replication.Concurrency)
	assert.Equal(t, 10, c.Doclog.BlockSize)
	assert.True(t, c.Replication.Start())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
addr: ":9000"
store_dsn: "memory:"
log:
  level: debug
  format: json
replication:
  concurrency: 2
  retries: 3
  timeout: 5s
  autostart: false
persistence:
  flush_window: 250ms
doclog:
  block_size: 4
`)
	t.Setenv(StoreDSNEnv, "")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.Addr)
	assert.Equal(t, "memory:", c.StoreDSN)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, 2, c.Replication.Concurrency)
	assert.Equal(t, 5*time.Second, c.Replication.Timeout)
	assert.False(t, c.Replication.Start())
	assert.Equal(t, 250*time.Millisecond, c.Persistence.FlushWindow)
	assert.Equal(t, 4, c.Doclog.BlockSize)
	assert.Equal(t, 500, c.Persistence.CompactAfter)
}

func TestEnvOverridesDSN(t *testing.T) {
	t.Setenv(StoreDSNEnv, "postgres://localhost/ts")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/ts", c.StoreDSN)
}

func TestValidateRejects(t *testing.T) {
	t.Setenv(StoreDSNEnv, "")
	_, err := Load(writeConfig(t, "log:\n  level: loud\n"))
	assert.ErrorContains(t, err, "log.level")

	_, err = Load(writeConfig(t, "doclog:\n  block_size: -1\n"))
	assert.ErrorContains(t, err, "block_size")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
