package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwarefaith/appflowy/pkg/revision"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "prod")
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Editor.PingInterval)
	assert.Equal(t, revision.LocalFirst, cfg.EditorService().TieBreak)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "editor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
editor:
  write_timeout: 3s
  max_clients: 10
store:
  driver: pebble
  path: /var/lib/revisions
sync:
  tie_break: remote-first
  initial_interval: 100ms
log:
  level: debug
`), 0o644))

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Editor.WriteTimeout)
	assert.Equal(t, 10, cfg.Editor.MaxClients)
	// Untouched keys keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Editor.ReadTimeout)
	assert.Equal(t, "pebble", cfg.Store.Driver)

	opts := cfg.Session("u1")
	assert.Equal(t, revision.RemoteFirst, opts.TieBreak)
	assert.Equal(t, 100*time.Millisecond, opts.Retry.InitialInterval)
	assert.Equal(t, "u1", opts.UserID)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"EDITOR_PORT":  "7000",
		"DATABASE_URL": "postgres://localhost/revisions",
		"REDIS_ADDR":   "localhost:6379",
		"LOG_LEVEL":    "warn",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "pgx", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/revisions", cfg.Store.DSN)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.NoError(t, cfg.Validate())

	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "REDIS_DB" {
			return "zero", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"unknown driver":   func(c *Config) { c.Store.Driver = "mongo" },
		"pebble no path":   func(c *Config) { c.Store.Driver = "pebble" },
		"postgres no dsn":  func(c *Config) { c.Store.Driver = "postgres" },
		"unknown tiebreak": func(c *Config) { c.Sync.TieBreak = "coin-flip" },
		"bad log level":    func(c *Config) { c.Log.Level = "loud" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "error"
	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	cfg := Default()
	st, err := cfg.OpenStore(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	cfg.Store.Driver = "pebble"
	cfg.Store.Path = filepath.Join(t.TempDir(), "revisions")
	st, err = cfg.OpenStore(ctx)
	require.NoError(t, err)
	require.NoError(t, st.SetMeta(ctx, "k", "v"))
	require.NoError(t, st.Close())

	cfg.Store.Driver = "mongo"
	_, err = cfg.OpenStore(ctx)
	assert.Error(t, err)
}
