// SPDX-License-Identifier: MIT

// The worker consumes render and cleanup jobs from the shared queues.
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

	"golang.org/x/sync/errgroup"

	"github.com/dearrow/thumbnail-cache/internal/cleanup"
	"github.com/dearrow/thumbnail-cache/internal/config"
	"github.com/dearrow/thumbnail-cache/internal/extract"
	"github.com/dearrow/thumbnail-cache/internal/index"
	"github.com/dearrow/thumbnail-cache/internal/kv"
	xclog "github.com/dearrow/thumbnail-cache/internal/log"
	"github.com/dearrow/thumbnail-cache/internal/proxy"
	"github.com/dearrow/thumbnail-cache/internal/queue"
	"github.com/dearrow/thumbnail-cache/internal/render"
	"github.com/dearrow/thumbnail-cache/internal/resolver"
	"github.com/dearrow/thumbnail-cache/internal/storage"
	"github.com/dearrow/thumbnail-cache/internal/telemetry"
	"github.com/dearrow/thumbnail-cache/internal/worker"
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
		xclog.Configure(xclog.Config{Service: "dearrow-worker"})
		xclog.Base().Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load configuration")
	}

	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	xclog.Configure(xclog.Config{Level: level, Service: "dearrow-worker"})
	logger := xclog.WithComponent("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.NewProvider(ctx, telemetryConfig("dearrow-worker"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	store, err := kv.New(cfg.RedisAddr(), xclog.WithComponent("kv"))
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr()).Msg("failed to connect to store")
	}
	defer func() { _ = store.Close() }()

	queues := queue.New(store, xclog.WithComponent("queue"))
	idx := index.New(store)
	files := storage.New(cfg.ThumbnailStorage.Path, idx, xclog.WithComponent("storage"))

	engine := cleanup.New(cleanup.Config{
		MaxSize:            cfg.ThumbnailStorage.MaxSize,
		Target:             cfg.CleanupTarget(),
		RedisOffsetAllowed: cfg.ThumbnailStorage.RedisOffsetAllowed,
	}, idx, files, queues, xclog.WithComponent("cleanup"))

	var floatie resolver.Strategy
	if cfg.TryFloatie || cfg.TryFloatieForLive {
		floatie = resolver.NewFloatie("", cfg.YTAuth.VisitorData, xclog.WithComponent("floatie"))
	}
	var ytdlp resolver.Strategy
	if cfg.TryYtdlp {
		ytdlp = resolver.NewYtdlp(store, cfg.MaxConcurrentYtdlp, xclog.WithComponent("ytdlp"))
	}
	res := resolver.New(resolver.Config{
		TryFloatie:        cfg.TryFloatie,
		TryFloatieForLive: cfg.TryFloatieForLive,
		TryYtdlp:          cfg.TryYtdlp,
		DefaultMaxHeight:  cfg.DefaultMaxHeight,
	}, floatie, ytdlp, xclog.WithComponent("resolver"))

	proxyCfg := proxy.Config{ProxyURLs: cfg.ProxyURLs}
	if cfg.ProxyURL != nil {
		proxyCfg.ProxyURL = *cfg.ProxyURL
	}
	if cfg.ProxyToken != nil {
		proxyCfg.Token = *cfg.ProxyToken
	}
	pool := proxy.NewPool(proxyCfg, store, xclog.WithComponent("proxy"))

	task := render.New(render.Config{
		SkipLocalExtraction:  cfg.SkipLocalFfmpeg,
		MaxConcurrentRenders: cfg.MaxConcurrentRenders,
	}, files, idx, store, res, extract.NewFFmpeg(xclog.WithComponent("extract")), pool, engine, xclog.WithComponent("render"))

	w := worker.New(queues, task, engine, logger)
	healthServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.WorkerHealthCheckPort),
		Handler:           w.HealthHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error {
		logger.Info().
			Str("event", "worker.health_listen").
			Str("addr", healthServer.Addr).
			Str("version", version).
			Msg("health endpoint listening")
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker exited with error")
	}
	logger.Info().Str("event", "worker.stopped").Msg("worker stopped")
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
