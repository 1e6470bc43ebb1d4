// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"strconv"
	"time"
)

const workersSetKey = "workers"

func workerKey(name string) string { return "worker:" + name }

// Worker states reported via heartbeat.
const (
	WorkerIdle      = "idle"
	WorkerBusy      = "busy"
	WorkerSuspended = "suspended"
)

// WorkerInfo is a worker's registration record in the shared store.
type WorkerInfo struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	CurrentJobID string `json:"current_job_id,omitempty"`
	VideoID      string `json:"video_id,omitempty"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Heartbeat registers or refreshes a worker record. Records expire when
// a worker stops heartbeating, so crashed workers drop off the status
// page on their own.
func (q *Queues) Heartbeat(ctx context.Context, info WorkerInfo, ttl time.Duration) error {
	info.UpdatedAt = q.clock().Unix()

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, workerKey(info.Name),
		"state", info.State,
		"currentJobID", info.CurrentJobID,
		"videoID", info.VideoID,
		"updatedAt", info.UpdatedAt)
	pipe.Expire(ctx, workerKey(info.Name), ttl)
	pipe.SAdd(ctx, workersSetKey, info.Name)
	_, err := pipe.Exec(ctx)
	return err
}

// DeregisterWorker removes a worker's record on clean shutdown.
func (q *Queues) DeregisterWorker(ctx context.Context, name string) error {
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, workerKey(name))
	pipe.SRem(ctx, workersSetKey, name)
	_, err := pipe.Exec(ctx)
	return err
}

// Workers lists currently registered workers. Names whose records have
// expired are pruned from the set as a side effect.
func (q *Queues) Workers(ctx context.Context) ([]WorkerInfo, error) {
	names, err := q.rdb.SMembers(ctx, workersSetKey).Result()
	if err != nil {
		return nil, err
	}

	infos := make([]WorkerInfo, 0, len(names))
	for _, name := range names {
		h, err := q.rdb.HGetAll(ctx, workerKey(name)).Result()
		if err != nil {
			return nil, err
		}
		if len(h) == 0 {
			_ = q.rdb.SRem(ctx, workersSetKey, name).Err()
			continue
		}
		info := WorkerInfo{
			Name:         name,
			State:        h["state"],
			CurrentJobID: h["currentJobID"],
			VideoID:      h["videoID"],
		}
		if n, err := strconv.ParseInt(h["updatedAt"], 10, 64); err == nil {
			info.UpdatedAt = n
		}
		infos = append(infos, info)
	}
	return infos, nil
}
