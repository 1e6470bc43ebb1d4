// SPDX-License-Identifier: MIT

// Package queue implements the two-priority job queue shared between
// dispatcher processes (producers) and worker processes (consumers) on
// top of the Redis store. Jobs are deduplicated by ID; completion is
// announced on a pub/sub channel named after the job ID.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dearrow/thumbnail-cache/internal/kv"
)

// ErrNotRemovable is returned by Remove for jobs past the queued state.
var ErrNotRemovable = errors.New("job is not in queued state")

// Queues provides producer and consumer access to the named queues.
type Queues struct {
	store  *kv.Client
	rdb    *redis.Client
	logger zerolog.Logger
	rr     atomic.Uint64 // round-robin cursor for Pop
	clock  func() time.Time
}

// New builds queue access over the shared store.
func New(store *kv.Client, logger zerolog.Logger) *Queues {
	return &Queues{
		store:  store,
		rdb:    store.Raw(),
		logger: logger,
		clock:  time.Now,
	}
}

func listKey(queue string) string       { return "queue:" + queue }
func jobKey(queue, id string) string    { return "queue:" + queue + ":job:" + id }
func registryKey(queue string, s State) string {
	return "queue:" + queue + ":" + string(s)
}

// Fetch returns the current record for jobID in the queue, or nil when
// no live or retained record exists.
func (q *Queues) Fetch(ctx context.Context, queue, jobID string) (*Job, error) {
	h, err := q.rdb.HGetAll(ctx, jobKey(queue, jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}
	return jobFromHash(jobID, queue, h), nil
}

// Enqueue registers the job record and pushes its ID onto the queue.
// An existing list entry for the same ID is dropped first so a record is
// never queued twice; producers are still expected to Fetch before
// enqueueing so they can adopt live records instead of replacing them.
func (q *Queues) Enqueue(ctx context.Context, queue, jobID string, args Args, opts Options) (*Job, error) {
	now := q.clock()
	job := &Job{
		ID:         jobID,
		Queue:      queue,
		State:      StateQueued,
		Args:       args,
		EnqueuedAt: now,
		Timeout:    opts.Timeout,
		FailureTTL: opts.FailureTTL,
		TTL:        opts.TTL,
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(queue, jobID), job.fields())
	if opts.TTL > 0 {
		pipe.Expire(ctx, jobKey(queue, jobID), opts.TTL)
	}
	pipe.LRem(ctx, listKey(queue), 0, jobID)
	if opts.AtFront {
		pipe.LPush(ctx, listKey(queue), jobID)
	} else {
		pipe.RPush(ctx, listKey(queue), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue %s on %s: %w", jobID, queue, err)
	}

	q.logger.Debug().
		Str("event", "queue.enqueue").
		Str("queue", queue).
		Str("job_id", jobID).
		Bool("at_front", opts.AtFront).
		Msg("job enqueued")
	return job, nil
}

// Remove deletes the record while it is still queued. Started and
// terminal records are left alone.
func (q *Queues) Remove(ctx context.Context, queue, jobID string) error {
	job, err := q.Fetch(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	if job.State != StateQueued {
		return ErrNotRemovable
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, listKey(queue), 0, jobID)
	pipe.Del(ctx, jobKey(queue, jobID))
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveStale clears a terminal (finished/failed/cancelled) record so a
// fresh job with the same ID can be enqueued.
func (q *Queues) RemoveStale(ctx context.Context, queue, jobID string) error {
	job, err := q.Fetch(ctx, queue, jobID)
	if err != nil || job == nil {
		return err
	}
	if job.Live() {
		return nil
	}
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, listKey(queue), 0, jobID)
	pipe.Del(ctx, jobKey(queue, jobID))
	pipe.ZRem(ctx, registryKey(queue, job.State), jobID)
	_, err = pipe.Exec(ctx)
	return err
}

// Drain cancels every queued record in the queue. Started jobs keep
// running; their extractor cannot be interrupted from here.
func (q *Queues) Drain(ctx context.Context, queue string) (int, error) {
	drained := 0
	for {
		jobID, err := q.rdb.LPop(ctx, listKey(queue)).Result()
		if errors.Is(err, redis.Nil) {
			return drained, nil
		}
		if err != nil {
			return drained, err
		}

		expiry := q.clock().Add(time.Minute)
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(queue, jobID), "state", string(StateCancelled))
		pipe.Expire(ctx, jobKey(queue, jobID), time.Minute)
		pipe.ZAdd(ctx, registryKey(queue, StateCancelled), redis.Z{Score: float64(expiry.Unix()), Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return drained, err
		}
		drained++
	}
}

// Len returns the number of jobs in the queued region.
func (q *Queues) Len(ctx context.Context, queue string) (int64, error) {
	return q.rdb.LLen(ctx, listKey(queue)).Result()
}

// Position returns the 0-based index of jobID within the queued region.
// Started and terminal jobs have no position.
func (q *Queues) Position(ctx context.Context, queue, jobID string) (int64, bool, error) {
	pos, err := q.rdb.LPos(ctx, listKey(queue), jobID, redis.LPosArgs{}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return pos, true, nil
}

// Pop takes the next job in round-robin order across the given queues.
// It performs one non-blocking pass; callers drive the poll loop.
func (q *Queues) Pop(ctx context.Context, queues ...string) (*Job, bool, error) {
	start := q.rr.Add(1)
	for i := 0; i < len(queues); i++ {
		queue := queues[(int(start)+i)%len(queues)]
		jobID, err := q.rdb.LPop(ctx, listKey(queue)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, false, err
		}

		job, err := q.Fetch(ctx, queue, jobID)
		if err != nil {
			return nil, false, err
		}
		if job == nil || job.State != StateQueued {
			// Record expired or was cancelled while waiting in the list.
			continue
		}
		return job, true, nil
	}
	return nil, false, nil
}

// MarkStarted transitions the record to started and pins it for the
// duration of the run (the queued-region TTL no longer applies).
func (q *Queues) MarkStarted(ctx context.Context, job *Job) error {
	job.State = StateStarted
	job.StartedAt = q.clock()

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.Queue, job.ID), "state", string(StateStarted), "startedAt", job.StartedAt.Unix())
	pipe.Persist(ctx, jobKey(job.Queue, job.ID))
	pipe.ZAdd(ctx, registryKey(job.Queue, StateStarted), redis.Z{Score: float64(job.StartedAt.Unix()), Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// MarkFinished transitions the record to finished, retained for its TTL.
func (q *Queues) MarkFinished(ctx context.Context, job *Job) error {
	return q.finish(ctx, job, StateFinished, "", job.TTL)
}

// MarkFailed transitions the record to failed, retained for FailureTTL
// so the dispatcher can distinguish "failed" from "unknown".
func (q *Queues) MarkFailed(ctx context.Context, job *Job, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return q.finish(ctx, job, StateFailed, msg, job.FailureTTL)
}

func (q *Queues) finish(ctx context.Context, job *Job, state State, errMsg string, retention time.Duration) error {
	job.State = state
	job.EndedAt = q.clock()
	job.Error = errMsg
	if retention <= 0 {
		retention = time.Minute
	}

	expiry := job.EndedAt.Add(retention)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.Queue, job.ID),
		"state", string(state),
		"endedAt", job.EndedAt.Unix(),
		"error", errMsg)
	pipe.Expire(ctx, jobKey(job.Queue, job.ID), retention)
	pipe.ZRem(ctx, registryKey(job.Queue, StateStarted), job.ID)
	pipe.ZAdd(ctx, registryKey(job.Queue, state), redis.Z{Score: float64(expiry.Unix()), Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// Counts is a per-queue snapshot of registry sizes for the status
// endpoint and metrics. Scheduled and deferred exist for response-shape
// parity; nothing in this system produces them.
type Counts struct {
	Queued    int64 `json:"queued"`
	Started   int64 `json:"started"`
	Finished  int64 `json:"finished"`
	Failed    int64 `json:"failed"`
	Scheduled int64 `json:"scheduled"`
	Deferred  int64 `json:"deferred"`
	Cancelled int64 `json:"cancelled"`
}

// Counts prunes expired registry entries and returns current sizes.
func (q *Queues) Counts(ctx context.Context, queue string) (Counts, error) {
	now := strconv.FormatInt(q.clock().Unix(), 10)
	for _, s := range []State{StateFinished, StateFailed, StateCancelled} {
		if err := q.rdb.ZRemRangeByScore(ctx, registryKey(queue, s), "-inf", now).Err(); err != nil {
			return Counts{}, err
		}
	}

	var c Counts
	var err error
	if c.Queued, err = q.Len(ctx, queue); err != nil {
		return Counts{}, err
	}
	if c.Started, err = q.rdb.ZCard(ctx, registryKey(queue, StateStarted)).Result(); err != nil {
		return Counts{}, err
	}
	if c.Finished, err = q.rdb.ZCard(ctx, registryKey(queue, StateFinished)).Result(); err != nil {
		return Counts{}, err
	}
	if c.Failed, err = q.rdb.ZCard(ctx, registryKey(queue, StateFailed)).Result(); err != nil {
		return Counts{}, err
	}
	if c.Cancelled, err = q.rdb.ZCard(ctx, registryKey(queue, StateCancelled)).Result(); err != nil {
		return Counts{}, err
	}
	return c, nil
}
