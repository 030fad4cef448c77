package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadMergesFilesAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	common := writeFile(t, dir, "common.yml", `
redis:
  addr: 10.0.0.5:6379
auth:
  token:
    secret: s3cret
`)
	svc := writeFile(t, dir, "im-realtime.yml", `
http:
  addr: ":9000"
ws:
  out_queue: 32
`)

	cfg, err := Load(common + "," + svc)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "10.0.0.5:6379", cfg.Redis.Addr)
	assert.Equal(t, "s3cret", cfg.Auth.Token.Secret)
	assert.Equal(t, 32, cfg.WS.OutQueue)

	assert.Equal(t, "mysql", cfg.Store.Driver)
	assert.Equal(t, "Bearer ", cfg.Auth.Token.BearerPrefix)
	assert.Equal(t, 15*time.Minute, cfg.Auth.Token.AccessTTL)
	assert.Equal(t, 30*time.Second, cfg.Auth.Token.RefreshGrace)
	assert.Equal(t, 5*time.Second, cfg.WS.WriteTimeout)
	assert.Less(t, cfg.WS.PingInterval, cfg.WS.PongWait)
}

func TestLoadRequiresSecret(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "a.yml", "http:\n  addr: \":1\"\n")

	_, err := Load(p)
	assert.Error(t, err)
}

func TestLoadRequiresPath(t *testing.T) {
	_, err := Load("  ")
	assert.Error(t, err)
}
