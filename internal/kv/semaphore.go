// SPDX-License-Identifier: MIT

package kv

import (
	"context"
	"math/rand"
	"strconv"
	"time"
)

// Semaphore limits concurrency across all worker processes using a
// sorted set scored by acquisition time. A crashed holder never wedges
// the set: entries older than staleAfter are swept by whoever is
// waiting.
type Semaphore struct {
	client     *Client
	key        string
	max        int64
	staleAfter time.Duration

	sleep func(time.Duration) // swappable in tests
}

// NewSemaphore builds a semaphore on the given sorted set key.
func NewSemaphore(client *Client, key string, max int64) *Semaphore {
	return &Semaphore{
		client:     client,
		key:        key,
		max:        max,
		staleAfter: time.Minute,
		sleep:      time.Sleep,
	}
}

// Acquire registers member and blocks until it is within the first max
// entries by acquisition order. Returns the context error when ctx ends
// first; the member is removed in that case.
func (s *Semaphore) Acquire(ctx context.Context, member string) error {
	if err := s.client.ZAdd(ctx, s.key, member, float64(time.Now().UnixMilli())/1000); err != nil {
		return err
	}

	lastSweep := time.Now()
	for {
		rank, ok, err := s.client.ZRank(ctx, s.key, member)
		if err != nil {
			_ = s.client.ZRem(context.WithoutCancel(ctx), s.key, member)
			return err
		}
		if !ok {
			// Swept as stale by a peer; re-register and keep waiting.
			if err := s.client.ZAdd(ctx, s.key, member, float64(time.Now().UnixMilli())/1000); err != nil {
				return err
			}
			continue
		}
		if rank < s.max {
			return nil
		}

		if time.Since(lastSweep) >= time.Second {
			cutoff := float64(time.Now().Add(-s.staleAfter).UnixMilli()) / 1000
			if err := s.client.ZRemRangeByScore(ctx, s.key, "-inf", strconv.FormatFloat(cutoff, 'f', -1, 64)); err != nil {
				_ = s.client.ZRem(context.WithoutCancel(ctx), s.key, member)
				return err
			}
			lastSweep = time.Now()
		}

		if err := ctx.Err(); err != nil {
			_ = s.client.ZRem(context.WithoutCancel(ctx), s.key, member)
			return err
		}
		s.sleep(100*time.Millisecond + time.Duration(rand.Int63n(50))*time.Millisecond)
	}
}

// Release removes member from the set.
func (s *Semaphore) Release(ctx context.Context, member string) error {
	return s.client.ZRem(ctx, s.key, member)
}
