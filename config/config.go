// Package config loads the settings shared by the editor service and the
// deltactl client.
package config

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/softwarefaith/appflowy/internal/editor"
	"github.com/softwarefaith/appflowy/internal/session"
	"github.com/softwarefaith/appflowy/internal/store"
	"github.com/softwarefaith/appflowy/pkg/revision"
)

type Config struct {
	Env    string       `yaml:"env"`
	Server ServerConfig `yaml:"server"`
	Editor EditorConfig `yaml:"editor"`
	Store  StoreConfig  `yaml:"store"`
	Redis  RedisConfig  `yaml:"redis"`
	Sync   SyncConfig   `yaml:"sync"`
	Cache  CacheConfig  `yaml:"cache"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EditorConfig holds the websocket limits of the service.
type EditorConfig struct {
	MaxMessageSize int64         `yaml:"max_message_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxClients     int           `yaml:"max_clients"`
	HistoryLimit   int           `yaml:"history_limit"`
	CursorTimeout  time.Duration `yaml:"cursor_timeout"`
}

// StoreConfig selects the revision log. Driver is one of memory, pebble,
// postgres or pgx.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables the revision fanout between instances when Addr is
// set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SyncConfig struct {
	TieBreak        string        `yaml:"tie_break"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

type CacheConfig struct {
	Snapshots int `yaml:"snapshots"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the settings used for anything Load does not find.
func Default() *Config {
	return &Config{
		Env: "dev",
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Editor: EditorConfig{
			MaxMessageSize: 512 * 1024, // 512KB
			WriteTimeout:   10 * time.Second,
			ReadTimeout:    60 * time.Second,
			PingInterval:   30 * time.Second,
			MaxClients:     1000,
			HistoryLimit:   1024,
			CursorTimeout:  5 * time.Minute,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Sync: SyncConfig{
			TieBreak:        revision.LocalFirst.String(),
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
		},
		Cache: CacheConfig{
			Snapshots: 64,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults and then applies the
// environment. An empty path skips the file.
func Load(path string, env string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
	}
	if env != "" {
		cfg.Env = env
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("EDITOR_PORT"); ok {
		c.Server.Port = v
	}
	if v, ok := lookup("DATABASE_URL"); ok {
		c.Store.DSN = v
		if c.Store.Driver == "memory" {
			c.Store.Driver = "pgx"
		}
	}
	if v, ok := lookup("STORE_DRIVER"); ok {
		c.Store.Driver = v
	}
	if v, ok := lookup("STORE_PATH"); ok {
		c.Store.Path = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok {
		c.Redis.Addr = v
	}
	if v, ok := lookup("REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "REDIS_DB")
		}
		c.Redis.DB = db
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	return nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "pebble":
		if c.Store.Path == "" {
			return errors.New("config: pebble store needs a path")
		}
	case "postgres", "pgx":
		if c.Store.DSN == "" {
			return errors.Errorf("config: %s store needs a dsn", c.Store.Driver)
		}
	default:
		return errors.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if _, err := revision.ParseTieBreak(c.Sync.TieBreak); err != nil {
		return err
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "config: log level")
	}
	return nil
}

// EditorService returns the websocket service settings.
func (c *Config) EditorService() *editor.Config {
	tb, _ := revision.ParseTieBreak(c.Sync.TieBreak)
	return &editor.Config{
		MaxMessageSize: c.Editor.MaxMessageSize,
		WriteTimeout:   c.Editor.WriteTimeout,
		ReadTimeout:    c.Editor.ReadTimeout,
		PingInterval:   c.Editor.PingInterval,
		MaxClients:     c.Editor.MaxClients,
		HistoryLimit:   c.Editor.HistoryLimit,
		TieBreak:       tb,
		CursorTimeout:  c.Editor.CursorTimeout,
	}
}

// Session returns the session manager settings for userID.
func (c *Config) Session(userID string) session.Options {
	tb, _ := revision.ParseTieBreak(c.Sync.TieBreak)
	return session.Options{
		UserID:   userID,
		TieBreak: tb,
		Retry: session.RetryOptions{
			InitialInterval: c.Sync.InitialInterval,
			MaxInterval:     c.Sync.MaxInterval,
			MaxElapsedTime:  c.Sync.MaxElapsedTime,
		},
		CacheSize: c.Cache.Snapshots,
	}
}

// NewLogger builds the zap logger described by c.Log.
func (c *Config) NewLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Log.Development || c.Env == "dev" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, errors.Wrap(err, "config: log level")
	}
	zc.Level = level
	return zc.Build()
}

// OpenStore opens the revision log selected by c.Store.
func (c *Config) OpenStore(ctx context.Context) (store.Store, error) {
	switch c.Store.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "pebble":
		st, err := store.OpenPebble(c.Store.Path, nil)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres", "pgx":
		st, err := store.OpenSQL(ctx, c.Store.Driver, c.Store.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, errors.Errorf("config: unknown store driver %q", c.Store.Driver)
}
