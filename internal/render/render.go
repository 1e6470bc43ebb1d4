// SPDX-License-Identifier: MIT

// Package render generates one thumbnail: resolve a playback URL, seek
// with the extractor, store the frame and its metadata, and announce the
// outcome on the job's pub/sub channel. A render is synchronous within
// its worker; fleet-wide concurrency is bounded by a shared semaphore.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/dearrow/thumbnail-cache/internal/cleanup"
	"github.com/dearrow/thumbnail-cache/internal/extract"
	"github.com/dearrow/thumbnail-cache/internal/index"
	"github.com/dearrow/thumbnail-cache/internal/kv"
	"github.com/dearrow/thumbnail-cache/internal/metrics"
	"github.com/dearrow/thumbnail-cache/internal/proxy"
	"github.com/dearrow/thumbnail-cache/internal/queue"
	"github.com/dearrow/thumbnail-cache/internal/resolver"
	"github.com/dearrow/thumbnail-cache/internal/storage"
	"github.com/dearrow/thumbnail-cache/internal/telemetry"
	"github.com/dearrow/thumbnail-cache/internal/vid"
)

// renderSemaphoreKey bounds simultaneous extractor invocations across
// all worker processes.
const renderSemaphoreKey = "concurrent_renders"

// liveStageTimeout bounds the MP4 staging download for live streams.
const liveStageTimeout = 5 * time.Second

// GenerationError marks a retryable extraction failure. Unplayable
// videos are not wrapped in it, so they fail without a second attempt.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("thumbnail generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Config carries the render-relevant settings.
type Config struct {
	SkipLocalExtraction  bool
	MaxConcurrentRenders int
}

// Task renders thumbnails for queue jobs.
type Task struct {
	cfg     Config
	store   *storage.Store
	idx     *index.Index
	kv      *kv.Client
	sem     *kv.Semaphore
	res     *resolver.Resolver
	ext     extract.Extractor
	pool    *proxy.Pool
	cleanup *cleanup.Engine
	client  *http.Client
	logger  zerolog.Logger
}

// New builds the render task.
func New(cfg Config, store *storage.Store, idx *index.Index, kvc *kv.Client,
	res *resolver.Resolver, ext extract.Extractor, pool *proxy.Pool,
	eng *cleanup.Engine, logger zerolog.Logger) *Task {
	return &Task{
		cfg:     cfg,
		store:   store,
		idx:     idx,
		kv:      kvc,
		sem:     kv.NewSemaphore(kvc, renderSemaphoreKey, int64(cfg.MaxConcurrentRenders)),
		res:     res,
		ext:     ext,
		pool:    pool,
		cleanup: eng,
		client:  &http.Client{Timeout: liveStageTimeout},
		logger:  logger,
	}
}

// Generate runs the render with one retry after a second of delay.
// Only extraction failures retry; an unplayable video fails immediately.
func (t *Task) Generate(ctx context.Context, args queue.Args) error {
	return backoff.Retry(func() error {
		err := t.run(ctx, args)
		var genErr *GenerationError
		if err != nil && !errors.As(err, &genErr) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 1), ctx))
}

func (t *Task) run(ctx context.Context, args queue.Args) (err error) {
	start := time.Now()
	jobID := vid.JobID(args.VideoID, args.Time)

	ctx, span := telemetry.Tracer("render").Start(ctx, "render.generate",
		trace.WithAttributes(telemetry.ThumbnailAttributes(args.VideoID, args.Time, args.IsLivestream)...))
	defer span.End()

	defer func() {
		if err != nil {
			metrics.RenderFailures.Inc()
			errType := "permanent"
			var genErr *GenerationError
			if errors.As(err, &genErr) {
				errType = "generation"
			}
			span.SetAttributes(telemetry.ErrorAttributes(err, errType)...)
			// Always wake subscribers; a silent failure would leave
			// dispatchers blocked until their wait deadline.
			if pubErr := t.kv.Publish(context.WithoutCancel(ctx), jobID, "false"); pubErr != nil {
				t.logger.Warn().Err(pubErr).Str("job_id", jobID).Msg("failed to publish render failure")
			}
		}
	}()

	if !vid.ValidID(args.VideoID) {
		return fmt.Errorf("invalid video ID: %q", args.VideoID)
	}
	if math.IsNaN(args.Time) || math.IsInf(args.Time, 0) {
		return fmt.Errorf("invalid time: %v", args.Time)
	}

	if args.UpdateAccounting {
		// Register the videoID before any file exists so the cleanup
		// orphan sweep never considers this directory unindexed.
		if touchErr := t.idx.TouchLastUsed(ctx, args.VideoID); touchErr != nil {
			t.logger.Warn().Err(touchErr).Str("video_id", args.VideoID).Msg("failed to touch last-used index")
		}
	}

	member := fmt.Sprintf("%s %s %t", args.VideoID, vid.FormatTime(args.Time), args.IsLivestream)
	if err := t.sem.Acquire(ctx, member); err != nil {
		return fmt.Errorf("acquire render slot: %w", err)
	}
	defer func() { _ = t.sem.Release(context.WithoutCancel(ctx), member) }()

	var proxyInfo *proxy.Info
	if t.pool != nil && t.pool.Enabled() {
		proxyInfo, err = t.pool.Pick(ctx)
		if err != nil {
			t.logger.Warn().Err(err).Msg("no proxy available, rendering directly")
			proxyInfo = nil
		}
	}
	proxyURL := ""
	if proxyInfo != nil {
		proxyURL = proxyInfo.URL
	}
	defer func() {
		if t.pool != nil {
			t.pool.Report(context.WithoutCancel(ctx), proxyInfo, err == nil)
		}
	}()

	playback, err := t.res.PlaybackURL(ctx, args.VideoID, proxyURL, args.IsLivestream)
	if err != nil {
		return err
	}

	renderTime := alignToFrame(args.Time, playback.FPS)

	if err := t.store.EnsureFolder(args.VideoID); err != nil {
		return fmt.Errorf("create video folder: %w", err)
	}
	outputPath := t.store.ImagePath(args.VideoID, renderTime, args.IsLivestream)

	input := playback.URL
	if args.IsLivestream {
		staged, stageErr := t.stageLiveSegment(ctx, args.VideoID, renderTime, playback.URL, proxyURL)
		if stageErr != nil {
			return &GenerationError{Err: stageErr}
		}
		defer func() { _ = os.Remove(staged) }()
		input = staged
	}

	if err := t.extractWithRetry(ctx, input, outputPath, renderTime, proxyURL); err != nil {
		return &GenerationError{Err: err}
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return &GenerationError{Err: fmt.Errorf("stat rendered image: %w", err)}
	}
	if info.Size() <= storage.MinImageBytes {
		// Premieres and placeholders decode to near-empty frames.
		_ = os.Remove(outputPath)
		return &GenerationError{Err: fmt.Errorf("rendered image too small: %d bytes", info.Size())}
	}

	if args.Title != "" {
		if err := t.store.WriteTitle(args.VideoID, renderTime, args.Title); err != nil {
			return fmt.Errorf("write title metadata: %w", err)
		}
	}

	if args.UpdateAccounting {
		if accErr := t.idx.AddStorageUsed(ctx, int64(len(args.Title))+info.Size()); accErr != nil {
			t.logger.Warn().Err(accErr).Msg("failed to update storage accounting")
		}
	}

	if err := t.kv.Publish(ctx, jobID, "true"); err != nil {
		t.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to publish render success")
	}

	if t.cleanup != nil {
		if cleanErr := t.cleanup.CheckIfNeeded(ctx); cleanErr != nil {
			t.logger.Warn().Err(cleanErr).Msg("cleanup check failed")
		}
	}

	metrics.RendersTotal.Inc()
	metrics.RenderDuration.Observe(time.Since(start).Seconds())
	t.logger.Info().
		Str("event", "render.done").
		Str("video_id", args.VideoID).
		Float64("time", renderTime).
		Int64("bytes", info.Size()).
		Dur("duration", time.Since(start)).
		Msg("thumbnail generated")
	return nil
}

// extractWithRetry invokes the extractor, retrying once through the
// proxy when the direct attempt fails and a proxy is available.
func (t *Task) extractWithRetry(ctx context.Context, input, output string, seek float64, proxyURL string) error {
	req := extract.Request{Input: input, Output: output, Seek: seek}
	if t.cfg.SkipLocalExtraction && proxyURL != "" {
		req.ProxyURL = proxyURL
	}

	err := t.ext.ExtractFrame(ctx, req)
	if err == nil {
		return nil
	}
	if req.ProxyURL == "" && proxyURL != "" {
		t.logger.Warn().Err(err).Str("output", output).Msg("direct extraction failed, retrying through proxy")
		req.ProxyURL = proxyURL
		if err = t.ext.ExtractFrame(ctx, req); err == nil {
			return nil
		}
	}
	storage.RemovePartial(output)
	return err
}

// stageLiveSegment downloads the live playback URL to a transient MP4
// next to the output image. Live manifests serve endless bodies, so the
// copy enforces its own deadline chunk by chunk rather than trusting
// the HTTP client timeout alone.
func (t *Task) stageLiveSegment(ctx context.Context, videoID string, renderTime float64, playbackURL, proxyURL string) (string, error) {
	path := filepath.Join(t.store.FolderPath(videoID), vid.FormatTime(renderTime)+".mp4")

	client := t.client
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return "", fmt.Errorf("invalid proxy URL: %w", err)
		}
		client = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(u)}}
	}

	ctx, cancel := context.WithTimeout(ctx, liveStageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playbackURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch live segment: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := os.Create(path)
	if err != nil {
		return "", err
	}

	deadline := time.Now().Add(liveStageTimeout)
	buf := make([]byte, 32*1024)
	for {
		if time.Now().After(deadline) {
			_ = out.Close()
			_ = os.Remove(path)
			return "", fmt.Errorf("live segment download exceeded %s", liveStageTimeout)
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				_ = out.Close()
				_ = os.Remove(path)
				return "", writeErr
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = out.Close()
			_ = os.Remove(path)
			return "", fmt.Errorf("read live segment: %w", readErr)
		}
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// alignToFrame rounds t down to the nearest frame boundary so the
// extracted frame matches what a browser shows for the same timestamp.
// 60 fps streams need a 10 ms nudge to counter observed rounding drift.
func alignToFrame(t float64, fps int) float64 {
	if fps <= 0 {
		return t
	}
	aligned := math.Floor(t*float64(fps)) / float64(fps)
	if fps == 60 {
		aligned -= 0.01
	}
	if aligned < 0 {
		aligned = 0
	}
	return aligned
}
