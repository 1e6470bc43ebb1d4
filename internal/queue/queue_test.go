// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/dearrow/thumbnail-cache/internal/kv"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).reaper"),
	)
}

func setupQueues(t *testing.T) (*miniredis.Miniredis, *Queues) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := kv.NewFromRedis(rdb, zerolog.Nop())
	return mr, New(store, zerolog.Nop())
}

func testOptions() Options {
	return Options{
		Timeout:    30 * time.Second,
		FailureTTL: 500 * time.Second,
		TTL:        time.Minute,
	}
}

func TestEnqueueFetchRoundTrip(t *testing.T) {
	_, q := setupQueues(t)
	ctx := context.Background()

	args := Args{
		VideoID:          "jNQXAC9IVRw",
		Time:             15.5,
		Title:            "Me at the zoo",
		IsLivestream:     false,
		UpdateAccounting: true,
	}
	if _, err := q.Enqueue(ctx, Default, "jNQXAC9IVRw-15.5", args, testOptions()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := q.Fetch(ctx, Default, "jNQXAC9IVRw-15.5")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if job == nil {
		t.Fatal("Fetch returned nil for enqueued job")
	}
	if job.State != StateQueued {
		t.Errorf("state = %q, want queued", job.State)
	}
	if job.Args != args {
		t.Errorf("args round trip = %+v, want %+v", job.Args, args)
	}
	if job.Timeout != 30*time.Second || job.FailureTTL != 500*time.Second {
		t.Errorf("scheduling metadata lost: timeout=%v failureTTL=%v", job.Timeout, job.FailureTTL)
	}
}

func TestFetchUnknownJob(t *testing.T) {
	_, q := setupQueues(t)

	job, err := q.Fetch(context.Background(), Default, "absent-0.0")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if job != nil {
		t.Errorf("Fetch = %+v, want nil", job)
	}
}

func TestEnqueueDeduplicatesListEntries(t *testing.T) {
	_, q := setupQueues(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, Default, "dup-0.0", Args{VideoID: "jNQXAC9IVRw"}, testOptions()); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	n, err := q.Len(ctx, Default)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestEnqueueAtFront(t *testing.T) {
	_, q := setupQueues(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, High, "first-0.0", Args{}, testOptions()); err != nil {
		t.Fatal(err)
	}
	opts := testOptions()
	opts.AtFront = true
	if _, err := q.Enqueue(ctx, High, "jumped-0.0", Args{}, opts); err != nil {
		t.Fatal(err)
	}

	pos, ok, err := q.Position(ctx, High, "jumped-0.0")
	if err != nil || !ok {
		t.Fatalf("Position: %v ok=%v", err, ok)
	}
	if pos != 0 {
		t.Errorf("front-enqueued job at position %d, want 0", pos)
	}
	if pos, _, _ := q.Position(ctx, High, "first-0.0"); pos != 1 {
		t.Errorf("displaced job at position %d, want 1", pos)
	}
}

func TestPositionForAbsentJob(t *testing.T) {
	_, q := setupQueues(t)

	_, ok, err := q.Position(context.Background(), Default, "absent-0.0")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if ok {
		t.Error("absent job reported as positioned")
	}
}

func TestPopRoundRobin(t *testing.T) {
	_, q := setupQueues(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, High, "h1-0.0", Args{}, testOptions()); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, Default, "d1-0.0", Args{}, testOptions()); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		job, ok, err := q.Pop(ctx, High, Default)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if !ok {
			t.Fatal("Pop returned no job while queues are non-empty")
		}
		seen[job.ID] = true
	}
	if !seen["h1-0.0"] || !seen["d1-0.0"] {
		t.Errorf("popped %v, want both queues drained", seen)
	}

	if _, ok, err := q.Pop(ctx, High, Default); err != nil || ok {
		t.Errorf("Pop on empty queues = ok=%v err=%v, want no job", ok, err)
	}
}

func TestPopSkipsCancelledEntries(t *testing.T) {
	_, q := setupQueues(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, Default, "gone-0.0", Args{}, testOptions()); err != nil {
		t.Fatal(err)
	}
	// Cancel the record while its ID still sits in the list.
	if err := q.rdb.HSet(ctx, jobKey(Default, "gone-0.0"), "state", string(StateCancelled)).Err(); err != nil {
		t.Fatal(err)
	}

	_, ok, err := q.Pop(ctx, Default)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if ok {
		t.Error("Pop returned a cancelled job")
	}
}

func TestJobLifecycle(t *testing.T) {
	_, q := setupQueues(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, High, "life-0.0", Args{VideoID: "jNQXAC9IVRw"}, testOptions())
	if err != nil {
		t.Fatal(err)
	}

	if err := q.MarkStarted(ctx, job); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	got, _ := q.Fetch(ctx, High, job.ID)
	if !got.IsStarted() {
		t.Fatalf("state after start = %q", got.State)
	}

	if err := q.MarkFinished(ctx, job); err != nil {
		t.Fatalf("MarkFinished: %v", err)
	}
	got, _ = q.Fetch(ctx, High, job.ID)
	if !got.IsFinished() {
		t.Fatalf("state after finish = %q", got.State)
	}
	if got.Live() {
		t.Error("finished job still reported live")
	}

	counts, err := q.Counts(ctx, High)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if diff := cmp.Diff(Counts{Finished: 1}, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestMarkFailedRetainsError(t *testing.T) {
	_, q := setupQueues(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, Default, "bad-0.0", Args{}, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := q.MarkStarted(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkFailed(ctx, job, errors.New("no playable formats")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got, _ := q.Fetch(ctx, Default, job.ID)
	if !got.IsFailed() {
		t.Fatalf("state = %q, want failed", got.State)
	}
	if got.Error != "no playable formats" {
		t.Errorf("error = %q", got.Error)
	}
}

func TestRemoveOnlyQueuedJobs(t *testing.T) {
	_, q := setupQueues(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, Default, "rm-0.0", Args{}, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Remove(ctx, Default, job.ID); err != nil {
		t.Fatalf("Remove queued: %v", err)
	}
	if got, _ := q.Fetch(ctx, Default, job.ID); got != nil {
		t.Error("record survived Remove")
	}
	if n, _ := q.Len(ctx, Default); n != 0 {
		t.Errorf("Len = %d after Remove", n)
	}

	// Removing an absent job is a no-op.
	if err := q.Remove(ctx, Default, "absent-0.0"); err != nil {
		t.Errorf("Remove absent: %v", err)
	}

	job, err = q.Enqueue(ctx, Default, "rm2-0.0", Args{}, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := q.MarkStarted(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := q.Remove(ctx, Default, job.ID); !errors.Is(err, ErrNotRemovable) {
		t.Errorf("Remove started job = %v, want ErrNotRemovable", err)
	}
}

func TestRemoveStaleClearsTerminalRecords(t *testing.T) {
	_, q := setupQueues(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, High, "stale-0.0", Args{}, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := q.MarkStarted(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkFailed(ctx, job, errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	if err := q.RemoveStale(ctx, High, job.ID); err != nil {
		t.Fatalf("RemoveStale: %v", err)
	}
	if got, _ := q.Fetch(ctx, High, job.ID); got != nil {
		t.Error("terminal record survived RemoveStale")
	}
	counts, _ := q.Counts(ctx, High)
	if counts.Failed != 0 {
		t.Errorf("failed registry = %d after RemoveStale", counts.Failed)
	}

	// Live records are left alone.
	live, err := q.Enqueue(ctx, High, "live-0.0", Args{}, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := q.RemoveStale(ctx, High, live.ID); err != nil {
		t.Fatalf("RemoveStale live: %v", err)
	}
	if got, _ := q.Fetch(ctx, High, live.ID); got == nil {
		t.Error("live record removed by RemoveStale")
	}
}

func TestDrainCancelsQueuedJobs(t *testing.T) {
	_, q := setupQueues(t)
	ctx := context.Background()

	for _, id := range []string{"a-0.0", "b-0.0", "c-0.0"} {
		if _, err := q.Enqueue(ctx, Default, id, Args{}, testOptions()); err != nil {
			t.Fatal(err)
		}
	}

	drained, err := q.Drain(ctx, Default)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if drained != 3 {
		t.Errorf("drained = %d, want 3", drained)
	}
	if n, _ := q.Len(ctx, Default); n != 0 {
		t.Errorf("Len after drain = %d", n)
	}

	job, _ := q.Fetch(ctx, Default, "a-0.0")
	if job == nil || job.State != StateCancelled {
		t.Errorf("drained job = %+v, want cancelled record", job)
	}
	counts, _ := q.Counts(ctx, Default)
	if counts.Cancelled != 3 {
		t.Errorf("cancelled registry = %d, want 3", counts.Cancelled)
	}
}

func TestCountsPrunesExpiredRegistryEntries(t *testing.T) {
	_, q := setupQueues(t)
	ctx := context.Background()

	opts := testOptions()
	opts.TTL = time.Minute
	job, err := q.Enqueue(ctx, Default, "old-0.0", Args{}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.MarkStarted(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkFinished(ctx, job); err != nil {
		t.Fatal(err)
	}

	// Advance past the retention window; the registry entry must be
	// pruned on the next Counts call.
	base := time.Now()
	q.clock = func() time.Time { return base.Add(2 * time.Minute) }

	counts, err := q.Counts(ctx, Default)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Finished != 0 {
		t.Errorf("finished = %d after retention, want 0", counts.Finished)
	}
}

func TestWorkerHeartbeatAndListing(t *testing.T) {
	mr, q := setupQueues(t)
	ctx := context.Background()

	info := WorkerInfo{
		Name:         "render-1-ab12",
		State:        WorkerBusy,
		CurrentJobID: "jNQXAC9IVRw-15.5",
		VideoID:      "jNQXAC9IVRw",
	}
	if err := q.Heartbeat(ctx, info, time.Minute); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := q.Heartbeat(ctx, WorkerInfo{Name: "render-2-cd34", State: WorkerIdle}, time.Minute); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	workers, err := q.Workers(ctx)
	if err != nil {
		t.Fatalf("Workers: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(workers))
	}
	byName := map[string]WorkerInfo{}
	for _, w := range workers {
		byName[w.Name] = w
	}
	got := byName["render-1-ab12"]
	if got.State != WorkerBusy || got.CurrentJobID != "jNQXAC9IVRw-15.5" || got.VideoID != "jNQXAC9IVRw" {
		t.Errorf("worker record = %+v", got)
	}
	if got.UpdatedAt == 0 {
		t.Error("updated_at not recorded")
	}

	// An expired record is pruned from the listing.
	mr.FastForward(2 * time.Minute)
	workers, err = q.Workers(ctx)
	if err != nil {
		t.Fatalf("Workers after expiry: %v", err)
	}
	if len(workers) != 0 {
		t.Errorf("workers after expiry = %d, want 0", len(workers))
	}
}

func TestDeregisterWorker(t *testing.T) {
	_, q := setupQueues(t)
	ctx := context.Background()

	if err := q.Heartbeat(ctx, WorkerInfo{Name: "render-1-ab12", State: WorkerIdle}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := q.DeregisterWorker(ctx, "render-1-ab12"); err != nil {
		t.Fatalf("DeregisterWorker: %v", err)
	}

	workers, err := q.Workers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 0 {
		t.Errorf("workers = %v after deregister", workers)
	}
}
