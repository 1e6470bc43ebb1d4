// SPDX-License-Identifier: MIT

// The dispatcher serves the public thumbnail API: cache reads, job
// dispatch, and the operator surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dearrow/thumbnail-cache/internal/api"
	"github.com/dearrow/thumbnail-cache/internal/config"
	"github.com/dearrow/thumbnail-cache/internal/index"
	"github.com/dearrow/thumbnail-cache/internal/kv"
	xclog "github.com/dearrow/thumbnail-cache/internal/log"
	"github.com/dearrow/thumbnail-cache/internal/metrics"
	"github.com/dearrow/thumbnail-cache/internal/queue"
	"github.com/dearrow/thumbnail-cache/internal/resolver"
	"github.com/dearrow/thumbnail-cache/internal/storage"
	"github.com/dearrow/thumbnail-cache/internal/telemetry"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		xclog.Configure(xclog.Config{Service: "dearrow-dispatcher"})
		xclog.Base().Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load configuration")
	}

	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	xclog.Configure(xclog.Config{Level: level, Service: "dearrow-dispatcher"})
	logger := xclog.WithComponent("dispatcher")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.NewProvider(ctx, telemetryConfig("dearrow-dispatcher"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	store, err := kv.New(cfg.RedisAddr(), xclog.WithComponent("kv"))
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr()).Msg("failed to connect to store")
	}
	defer func() { _ = store.Close() }()

	holder := config.NewHolder(cfg, *configPath, xclog.WithComponent("config"))
	queues := queue.New(store, xclog.WithComponent("queue"))
	idx := index.New(store)
	files := storage.New(cfg.ThumbnailStorage.Path, idx, xclog.WithComponent("storage"))
	floatie := resolver.NewFloatie("", cfg.YTAuth.VisitorData, xclog.WithComponent("floatie"))

	prometheus.DefaultRegisterer.MustRegister(metrics.NewQueueCollector(queues, xclog.WithComponent("metrics")))

	server := api.NewServer(holder, files, idx, store, queues, floatie, xclog.WithComponent("api"))
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           otelhttp.NewHandler(server.Router(), "dispatcher"),
		ReadHeaderTimeout: 10 * time.Second,
		// No blanket write timeout: getThumbnail legitimately blocks up
		// to the 15 s render wait.
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("event", "dispatcher.listen").
			Str("addr", httpServer.Addr).
			Str("version", version).
			Msg("dispatcher listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.Server.Reload && *configPath != "" {
		g.Go(func() error { return holder.Watch(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("dispatcher exited with error")
	}
	logger.Info().Str("event", "dispatcher.stopped").Msg("dispatcher stopped")
}

// telemetryConfig gates tracing on the standard OTLP endpoint variable,
// so deployments without a collector pay nothing.
func telemetryConfig(service string) telemetry.Config {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	sampling := 1.0
	if raw := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			sampling = parsed
		}
	}
	return telemetry.Config{
		Enabled:        endpoint != "",
		ServiceName:    service,
		ServiceVersion: version,
		Endpoint:       endpoint,
		SamplingRate:   sampling,
	}
}
