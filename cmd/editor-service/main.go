package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/softwarefaith/appflowy/config"
	"github.com/softwarefaith/appflowy/internal/editor"
	"github.com/softwarefaith/appflowy/internal/store"
)

func main() {
	cfg, logger, err := setup(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "editor-service: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("editor service failed", zap.Error(err))
	}
}

// setup parses the command line and builds the config and logger.
func setup(args []string) (*config.Config, *zap.Logger, error) {
	fs := flag.NewFlagSet("editor-service", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "Path to a YAML config file")
		env        = fs.String("env", "", "Environment (dev, staging, prod)")
		port       = fs.String("port", "", "Port to listen on (overrides config)")
	)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(*configPath, *env)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load config")
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, errors.Wrap(err, "create logger")
	}
	return cfg, logger, nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := cfg.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(editor.Collectors()...)
	if ps, ok := st.(*store.PebbleStore); ok {
		registry.MustRegister(ps.Collector())
	}

	var fanout *editor.Fanout
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		fanout = editor.NewFanout(rdb, logger)
	}

	// Initialize the editor service
	service := editor.NewService(cfg.EditorService(), st, fanout, logger)

	// Set up HTTP routes
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/ws/{doc}", service.HandleWebSocket)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return service.Start(ctx)
	})
	g.Go(func() error {
		logger.Info("editor service listening",
			zap.String("port", cfg.Server.Port),
			zap.String("env", cfg.Env),
			zap.String("store", cfg.Store.Driver),
			zap.Bool("fanout", fanout != nil))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		service.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
