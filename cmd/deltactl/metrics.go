package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/softwarefaith/appflowy/internal/session"
	"github.com/softwarefaith/appflowy/internal/store"
)

// newRegistry collects the session metrics and, for a Pebble log, the
// store's own.
func newRegistry(st store.Store) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(session.Collectors()...)
	if ps, ok := st.(*store.PebbleStore); ok {
		registry.MustRegister(ps.Collector())
	}
	return registry
}

// serveMetrics exposes registry on addr until the returned func is called.
func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) func() {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
