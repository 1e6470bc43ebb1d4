// SPDX-License-Identifier: MIT

// Package worker runs the job consumer: it polls both queues in
// round-robin order, executes one job at a time, and keeps its
// registration fresh in the shared store. Throughput scales by running
// more worker processes, not by in-process parallelism; the extractor
// is a blocking child process either way.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dearrow/thumbnail-cache/internal/cleanup"
	"github.com/dearrow/thumbnail-cache/internal/queue"
	"github.com/dearrow/thumbnail-cache/internal/render"
	"github.com/dearrow/thumbnail-cache/internal/telemetry"
)

const (
	heartbeatInterval = 15 * time.Second
	heartbeatTTL      = 60 * time.Second
	pollInterval      = 250 * time.Millisecond

	// defaultJobTimeout applies to records that carry no timeout of
	// their own.
	defaultJobTimeout = 30 * time.Second
)

// Worker consumes render and cleanup jobs.
type Worker struct {
	name    string
	queues  *queue.Queues
	render  *render.Task
	cleanup *cleanup.Engine
	logger  zerolog.Logger

	mu        sync.Mutex
	state     string
	current   *queue.Job
	suspended bool
}

// New builds a worker with a unique name derived from the hostname.
func New(queues *queue.Queues, task *render.Task, eng *cleanup.Engine, logger zerolog.Logger) *Worker {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	name := fmt.Sprintf("%s-%s", host, uuid.NewString()[:4])
	return &Worker{
		name:    name,
		queues:  queues,
		render:  task,
		cleanup: eng,
		logger:  logger.With().Str("worker", name).Logger(),
		state:   queue.WorkerIdle,
	}
}

// Name returns the worker's registry name.
func (w *Worker) Name() string { return w.name }

// Run executes the poll and heartbeat loops until ctx is cancelled, then
// deregisters.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Str("event", "worker.start").Msg("worker started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.heartbeatLoop(ctx) })
	g.Go(func() error { return w.pollLoop(ctx) })
	err := g.Wait()

	deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if deregErr := w.queues.DeregisterWorker(deregCtx, w.name); deregErr != nil {
		w.logger.Warn().Err(deregErr).Msg("failed to deregister worker")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	w.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	info := w.snapshot()
	if err := w.queues.Heartbeat(ctx, info, heartbeatTTL); err != nil {
		w.logger.Warn().Err(err).Msg("heartbeat failed")
		w.setSuspended(true)
		return
	}
	w.setSuspended(false)
}

func (w *Worker) pollLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, ok, err := w.queues.Pop(ctx, queue.High, queue.Default)
		if err != nil {
			w.logger.Warn().Err(err).Msg("queue poll failed")
			ok = false
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}

		w.execute(ctx, job)
	}
}

// execute runs one job under its record's timeout and settles the
// record. Completion reaches the dispatchers over pub/sub from inside
// the render task; the record transition here feeds the status surface.
func (w *Worker) execute(ctx context.Context, job *queue.Job) {
	w.setCurrent(job)
	defer w.setCurrent(nil)

	ctx, span := telemetry.Tracer("worker").Start(ctx, "worker.execute")
	defer span.End()

	if err := w.queues.MarkStarted(ctx, job); err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to mark job started")
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var err error
	if job.ID == queue.CleanupJobID {
		err = w.cleanup.Run(jobCtx)
	} else {
		err = w.render.Generate(jobCtx, job.Args)
	}

	status := queue.StateFinished
	if err != nil {
		status = queue.StateFailed
		kind := "render"
		if job.ID == queue.CleanupJobID {
			kind = "cleanup"
		}
		span.SetAttributes(telemetry.ErrorAttributes(err, kind)...)
	}
	span.SetAttributes(telemetry.JobAttributes(job.ID, job.Queue, string(status), time.Since(start).Milliseconds())...)

	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer settleCancel()
	if err != nil {
		w.logger.Error().
			Err(err).
			Str("event", "worker.job_failed").
			Str("job_id", job.ID).
			Dur("duration", time.Since(start)).
			Msg("job failed")
		if markErr := w.queues.MarkFailed(settleCtx, job, err); markErr != nil {
			w.logger.Warn().Err(markErr).Str("job_id", job.ID).Msg("failed to mark job failed")
		}
		return
	}

	w.logger.Info().
		Str("event", "worker.job_done").
		Str("job_id", job.ID).
		Dur("duration", time.Since(start)).
		Msg("job done")
	if markErr := w.queues.MarkFinished(settleCtx, job); markErr != nil {
		w.logger.Warn().Err(markErr).Str("job_id", job.ID).Msg("failed to mark job finished")
	}
}

func (w *Worker) setCurrent(job *queue.Job) {
	w.mu.Lock()
	w.current = job
	if job != nil {
		w.state = queue.WorkerBusy
	} else {
		w.state = queue.WorkerIdle
	}
	w.mu.Unlock()
}

func (w *Worker) setSuspended(suspended bool) {
	w.mu.Lock()
	w.suspended = suspended
	w.mu.Unlock()
}

func (w *Worker) snapshot() queue.WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	info := queue.WorkerInfo{Name: w.name, State: w.state}
	if w.suspended {
		info.State = queue.WorkerSuspended
	}
	if w.current != nil {
		info.CurrentJobID = w.current.ID
		info.VideoID = w.current.Args.VideoID
	}
	return info
}

type healthResponse struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	CurrentJob string `json:"current_job,omitempty"`
}

// HealthHandler reports the worker's state. Suspended workers answer
// 500 so orchestrators restart them.
func (w *Worker) HealthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		resp := healthResponse{Name: w.name, State: w.state}
		if w.suspended {
			resp.State = queue.WorkerSuspended
		}
		if w.current != nil {
			resp.CurrentJob = w.current.ID
		}
		w.mu.Unlock()

		rw.Header().Set("Content-Type", "application/json")
		if resp.State == queue.WorkerSuspended {
			rw.WriteHeader(http.StatusInternalServerError)
		}
		_ = json.NewEncoder(rw).Encode(resp)
	})
	return mux
}
