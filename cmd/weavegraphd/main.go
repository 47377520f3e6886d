// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command weavegraphd runs the weavegraph daemon: the HTTP API, the graph
// scheduler, and the webhook ingress, all sharing one on-disk store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/weavegraph/weavegraph/internal/api"
	"github.com/weavegraph/weavegraph/internal/config"
	"github.com/weavegraph/weavegraph/internal/engine"
	weavelog "github.com/weavegraph/weavegraph/internal/log"
	"github.com/weavegraph/weavegraph/internal/nodes"
	"github.com/weavegraph/weavegraph/internal/sandbox"
	"github.com/weavegraph/weavegraph/internal/store"
	"github.com/weavegraph/weavegraph/internal/streamhub"
	"github.com/weavegraph/weavegraph/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults built in if omitted)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "weavegraphd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := weavelog.New(weavelog.FromEnv())

	// A process-local TracerProvider with no exporter attached: engine
	// spans are created and sampled but go nowhere until an exporter is
	// wired in. This keeps the scheduler's tracing calls meaningful
	// (real spans, real parent/child nesting) without forcing a
	// collector dependency on every deployment.
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("tracer provider shutdown failed", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st := store.NewFileStore(cfg.DataDir)
	if err := st.LoadAll(); err != nil {
		return fmt.Errorf("load store: %w", err)
	}

	sb := sandbox.New(sandbox.Runtime(cfg.Sandbox.Runtime), cfg.Sandbox.Image)
	registry := nodes.NewRegistry(sb)
	hub := streamhub.New()
	table := webhook.NewTable()

	scheduler := engine.New(st, registry, hub, table, cfg, logger)
	ingress := webhook.New(st, table, scheduler, logger.With("component", "webhook")).
		WithRateLimit(cfg.Auth.WebhookRatePerSecond, cfg.Auth.WebhookBurst)

	router := api.NewRouter(st, scheduler, hub, ingress, logger.With("component", "api"), cfg.Auth.JWTSecret)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	return serve(srv, logger)
}

// loadConfig reads path if given, otherwise falls back to built-in
// defaults — a daemon with no config file on first run is expected to work.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// serve starts srv and blocks until SIGINT/SIGTERM, then drains in-flight
// requests for up to 10 seconds before returning.
func serve(srv *http.Server, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("weavegraphd listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("weavegraphd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return <-errCh
}
