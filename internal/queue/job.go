// SPDX-License-Identifier: MIT

package queue

import (
	"strconv"
	"time"
)

// Queue names. Workers listen on both in round-robin order; the
// dispatcher steers generateNow traffic to High.
const (
	High    = "high"
	Default = "default"
)

// CleanupJobID is the reserved job ID for the storage cleanup task.
// At most one cleanup is ever live, enforced by the dedup-by-ID rule.
const CleanupJobID = "cleanup"

// State is the lifecycle state of a job record.
type State string

const (
	StateQueued    State = "queued"
	StateStarted   State = "started"
	StateFinished  State = "finished"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Args is the payload a render job carries.
type Args struct {
	VideoID          string
	Time             float64
	Title            string
	IsLivestream     bool
	UpdateAccounting bool
}

// Options controls scheduling metadata at enqueue time.
type Options struct {
	Timeout    time.Duration // execution deadline enforced by the worker
	FailureTTL time.Duration // retention of a failed record
	TTL        time.Duration // retention of a queued or finished record
	AtFront    bool          // push to the head of the queue
}

// Job is a queue record.
type Job struct {
	ID         string
	Queue      string
	State      State
	Args       Args
	EnqueuedAt time.Time
	StartedAt  time.Time
	EndedAt    time.Time
	Error      string
	Timeout    time.Duration
	FailureTTL time.Duration
	TTL        time.Duration
}

// IsStarted reports whether the job is currently executing.
func (j *Job) IsStarted() bool { return j != nil && j.State == StateStarted }

// IsFinished reports whether the job completed successfully.
func (j *Job) IsFinished() bool { return j != nil && j.State == StateFinished }

// IsFailed reports whether the job failed permanently.
func (j *Job) IsFailed() bool { return j != nil && j.State == StateFailed }

// Live reports whether the record still occupies the queue for dedup
// purposes (queued or started).
func (j *Job) Live() bool {
	return j != nil && (j.State == StateQueued || j.State == StateStarted)
}

func (j *Job) fields() map[string]any {
	return map[string]any{
		"state":             string(j.State),
		"videoID":           j.Args.VideoID,
		"time":              j.Args.Time,
		"title":             j.Args.Title,
		"isLivestream":      strconv.FormatBool(j.Args.IsLivestream),
		"updateAccounting":  strconv.FormatBool(j.Args.UpdateAccounting),
		"enqueuedAt":        j.EnqueuedAt.Unix(),
		"startedAt":         j.StartedAt.Unix(),
		"endedAt":           j.EndedAt.Unix(),
		"error":             j.Error,
		"timeoutSeconds":    int64(j.Timeout / time.Second),
		"failureTTLSeconds": int64(j.FailureTTL / time.Second),
		"ttlSeconds":        int64(j.TTL / time.Second),
	}
}

func jobFromHash(id, queueName string, h map[string]string) *Job {
	j := &Job{
		ID:    id,
		Queue: queueName,
		State: State(h["state"]),
		Args: Args{
			VideoID:          h["videoID"],
			Title:            h["title"],
			IsLivestream:     h["isLivestream"] == "true",
			UpdateAccounting: h["updateAccounting"] == "true",
		},
		Error: h["error"],
	}
	j.Args.Time, _ = strconv.ParseFloat(h["time"], 64)
	j.EnqueuedAt = unixField(h, "enqueuedAt")
	j.StartedAt = unixField(h, "startedAt")
	j.EndedAt = unixField(h, "endedAt")
	j.Timeout = secondsField(h, "timeoutSeconds")
	j.FailureTTL = secondsField(h, "failureTTLSeconds")
	j.TTL = secondsField(h, "ttlSeconds")
	return j
}

func unixField(h map[string]string, key string) time.Time {
	n, err := strconv.ParseInt(h[key], 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

func secondsField(h map[string]string, key string) time.Duration {
	n, err := strconv.ParseInt(h[key], 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(n) * time.Second
}
