package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/softwarefaith/appflowy/config"
	"github.com/softwarefaith/appflowy/internal/session"
	"github.com/softwarefaith/appflowy/internal/transport"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file")
		server     = flag.String("server", "", "Editor service websocket base, e.g. ws://localhost:8080/ws (empty edits offline)")
		user       = flag.String("user", "", "User id stamped on revisions")
		storePath  = flag.String("store", ".deltactl", "Directory of the local revision log")
		metrics    = flag.String("metrics", "", "Serve Prometheus metrics on this address, e.g. :9102")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.Store.Driver == "memory" {
		cfg.Store.Driver, cfg.Store.Path = "pebble", *storePath
	}
	cfg.Log.Level = "warn"
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, *server, *user, *metrics, logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, server, user, metrics string, logger *zap.Logger) error {
	ctx := context.Background()
	st, err := cfg.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if metrics != "" {
		stop := serveMetrics(metrics, newRegistry(st), logger)
		defer stop()
	}

	var tr session.Transport
	var ws *transport.WebSocket
	if server != "" {
		ws = transport.New(server, transport.Options{WriteTimeout: cfg.Editor.WriteTimeout}, logger)
		tr = ws
	}
	m, err := session.NewManager(st, tr, cfg.Session(user), logger)
	if err != nil {
		return err
	}
	if ws != nil {
		ws.Bind(m)
		defer ws.Close()
	}
	defer func() {
		if err := m.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}()

	repl := &REPL{manager: m, out: os.Stdout}
	if err := repl.Open(); err != nil {
		return err
	}
	defer repl.Close()

	for {
		err := repl.Step(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			fmt.Fprintln(os.Stdout, err)
		}
	}
}
