// SPDX-License-Identifier: MIT

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dearrow/thumbnail-cache/internal/cleanup"
	"github.com/dearrow/thumbnail-cache/internal/extract"
	"github.com/dearrow/thumbnail-cache/internal/index"
	"github.com/dearrow/thumbnail-cache/internal/kv"
	"github.com/dearrow/thumbnail-cache/internal/queue"
	"github.com/dearrow/thumbnail-cache/internal/render"
	"github.com/dearrow/thumbnail-cache/internal/resolver"
	"github.com/dearrow/thumbnail-cache/internal/storage"
	"github.com/dearrow/thumbnail-cache/internal/telemetry"
)

type fakeStrategy struct {
	err error
}

func (s *fakeStrategy) Formats(ctx context.Context, videoID, proxyURL string) ([]resolver.Format, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []resolver.Format{{URL: "https://example.com/v", Height: 720, FPS: 30}}, nil
}

type fakeExtractor struct{}

func (fakeExtractor) ExtractFrame(ctx context.Context, req extract.Request) error {
	return os.WriteFile(req.Output, bytes.Repeat([]byte{0xCC}, storage.MinImageBytes+300), 0o644)
}

type fixture struct {
	worker *Worker
	queues *queue.Queues
	files  *storage.Store
	kvc    *kv.Client
}

func setup(t *testing.T, strategy resolver.Strategy) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	kvc := kv.NewFromRedis(rdb, zerolog.Nop())
	idx := index.New(kvc)
	files := storage.New(t.TempDir(), idx, zerolog.Nop())
	queues := queue.New(kvc, zerolog.Nop())
	res := resolver.New(resolver.Config{TryFloatie: true, DefaultMaxHeight: 720}, strategy, nil, zerolog.Nop())
	eng := cleanup.New(cleanup.Config{MaxSize: 1_000_000, Target: 800_000, RedisOffsetAllowed: 5}, idx, files, queues, zerolog.Nop())
	task := render.New(render.Config{MaxConcurrentRenders: 2}, files, idx, kvc, res, fakeExtractor{}, nil, eng, zerolog.Nop())

	return &fixture{
		worker: New(queues, task, eng, zerolog.Nop()),
		queues: queues,
		files:  files,
		kvc:    kvc,
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWorkerProcessesRenderJob(t *testing.T) {
	f := setup(t, &fakeStrategy{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobID := "jNQXAC9IVRw-15.5"
	if _, err := f.queues.Enqueue(ctx, queue.Default, jobID, queue.Args{
		VideoID: "jNQXAC9IVRw",
		Time:    15.5,
	}, queue.Options{Timeout: 30 * time.Second, TTL: time.Minute}); err != nil {
		t.Fatal(err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- f.worker.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		job, err := f.queues.Fetch(ctx, queue.Default, jobID)
		return err == nil && job.IsFinished()
	})

	if _, err := os.Stat(f.files.ImagePath("jNQXAC9IVRw", 15.5, false)); err != nil {
		t.Errorf("rendered image missing: %v", err)
	}

	// The heartbeat registered the worker under its generated name.
	workers, err := f.queues.Workers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 || workers[0].Name != f.worker.Name() {
		t.Errorf("workers = %+v", workers)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run = %v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	// Clean shutdown removes the registration.
	workers, err = f.queues.Workers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 0 {
		t.Errorf("workers after shutdown = %+v", workers)
	}
}

func TestWorkerMarksFailedJobs(t *testing.T) {
	f := setup(t, &fakeStrategy{err: &resolver.UnplayableError{Reason: "UNPLAYABLE"}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobID := "jNQXAC9IVRw-0.0"
	if _, err := f.queues.Enqueue(ctx, queue.Default, jobID, queue.Args{
		VideoID: "jNQXAC9IVRw",
	}, queue.Options{Timeout: 30 * time.Second, FailureTTL: time.Minute}); err != nil {
		t.Fatal(err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- f.worker.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		job, err := f.queues.Fetch(ctx, queue.Default, jobID)
		return err == nil && job.IsFailed()
	})

	job, _ := f.queues.Fetch(ctx, queue.Default, jobID)
	if job.Error == "" {
		t.Error("failed record carries no error message")
	}

	cancel()
	<-runDone
}

func TestWorkerRunsCleanupJob(t *testing.T) {
	f := setup(t, &fakeStrategy{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := f.queues.Enqueue(ctx, queue.High, queue.CleanupJobID, queue.Args{}, queue.Options{
		Timeout: time.Minute,
		AtFront: true,
	}); err != nil {
		t.Fatal(err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- f.worker.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		job, err := f.queues.Fetch(ctx, queue.High, queue.CleanupJobID)
		return err == nil && job.IsFinished()
	})

	cancel()
	<-runDone
}

func TestWorkerTracesJobExecution(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := setup(t, &fakeStrategy{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobID := "jNQXAC9IVRw-15.5"
	if _, err := f.queues.Enqueue(ctx, queue.Default, jobID, queue.Args{
		VideoID: "jNQXAC9IVRw",
		Time:    15.5,
	}, queue.Options{Timeout: 30 * time.Second, TTL: time.Minute}); err != nil {
		t.Fatal(err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- f.worker.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		job, err := f.queues.Fetch(ctx, queue.Default, jobID)
		return err == nil && job.IsFinished()
	})
	cancel()
	<-runDone

	spans := map[string]map[string]string{}
	for _, s := range recorder.Ended() {
		spans[s.Name()] = attrValues(s.Attributes())
	}

	exec, ok := spans["worker.execute"]
	if !ok {
		t.Fatalf("no worker.execute span, got %v", spans)
	}
	if exec[telemetry.JobIDKey] != jobID {
		t.Errorf("job id attribute = %q", exec[telemetry.JobIDKey])
	}
	if exec[telemetry.JobStatusKey] != string(queue.StateFinished) {
		t.Errorf("job status attribute = %q", exec[telemetry.JobStatusKey])
	}

	gen, ok := spans["render.generate"]
	if !ok {
		t.Fatalf("no render.generate span, got %v", spans)
	}
	if gen[telemetry.VideoIDKey] != "jNQXAC9IVRw" {
		t.Errorf("video id attribute = %q", gen[telemetry.VideoIDKey])
	}
}

func attrValues(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestHealthHandler(t *testing.T) {
	f := setup(t, &fakeStrategy{})

	srv := httptest.NewServer(f.worker.HealthHandler())
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Name != f.worker.Name() || body.State != queue.WorkerIdle {
		t.Errorf("health = %+v", body)
	}

	// A worker that cannot reach the store reports unhealthy.
	f.worker.setSuspended(true)
	resp, err = srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 500 {
		t.Errorf("suspended status = %d, want 500", resp.StatusCode)
	}
	var suspended healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&suspended); err != nil {
		t.Fatal(err)
	}
	if suspended.State != queue.WorkerSuspended {
		t.Errorf("state = %q, want suspended", suspended.State)
	}
}
