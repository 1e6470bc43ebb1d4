// SPDX-License-Identifier: MIT

// Package cleanup implements the storage eviction engine. It runs as a
// high-priority queue job (ID "cleanup", at most one in flight) and
// shrinks the on-disk cache below the configured target using the
// last-used index, reconciling the advisory storage counter against
// filesystem reality on every pass.
package cleanup

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dearrow/thumbnail-cache/internal/index"
	"github.com/dearrow/thumbnail-cache/internal/kv"
	"github.com/dearrow/thumbnail-cache/internal/queue"
	"github.com/dearrow/thumbnail-cache/internal/storage"
)

// checkInterval forces a cleanup pass even when the counter looks fine,
// so counter drift never persists for long.
const checkInterval = 30 * time.Minute

// cleanupJobTimeout bounds a full pass over a large cache.
const cleanupJobTimeout = 2 * time.Hour

// Config bounds the cache.
type Config struct {
	MaxSize            int64 // hard ceiling that triggers cleanup
	Target             int64 // size cleanup shrinks below (< MaxSize)
	RedisOffsetAllowed int64 // dir-count vs index-size drift tolerance
}

// Engine evicts least recently used video directories.
type Engine struct {
	cfg    Config
	idx    *index.Index
	store  *storage.Store
	queues *queue.Queues
	logger zerolog.Logger
	clock  func() time.Time

	// folderSize is swappable in tests.
	folderSize func(path string) (int64, int64, error)
}

// New builds the eviction engine.
func New(cfg Config, idx *index.Index, store *storage.Store, queues *queue.Queues, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		idx:        idx,
		store:      store,
		queues:     queues,
		logger:     logger,
		clock:      time.Now,
		folderSize: store.FolderSize,
	}
}

// CheckIfNeeded enqueues a cleanup job when the advisory counter exceeds
// the ceiling or the periodic interval has elapsed. Called after every
// successful render. At most one cleanup job is ever live: an existing
// queued or started record blocks the enqueue, and a terminal record is
// cleared first.
func (e *Engine) CheckIfNeeded(ctx context.Context) error {
	return kv.Retry(ctx, func() error {
		used, err := e.idx.StorageUsed(ctx)
		if err != nil {
			return err
		}
		lastCheck, err := e.idx.LastStorageCheck(ctx)
		if err != nil {
			return err
		}

		if used <= e.cfg.MaxSize && e.clock().Unix()-lastCheck <= int64(checkInterval/time.Second) {
			return nil
		}

		existing, err := e.queues.Fetch(ctx, queue.High, queue.CleanupJobID)
		if err != nil {
			return err
		}
		if existing.Live() {
			return nil
		}
		if existing != nil {
			if err := e.queues.RemoveStale(ctx, queue.High, queue.CleanupJobID); err != nil {
				return err
			}
		}

		_, err = e.queues.Enqueue(ctx, queue.High, queue.CleanupJobID, queue.Args{}, queue.Options{
			Timeout: cleanupJobTimeout,
			AtFront: true,
		})
		if err == nil {
			e.logger.Info().
				Str("event", "cleanup.scheduled").
				Int64("storage_used", used).
				Msg("cleanup job enqueued")
		}
		return err
	})
}

// Run executes one full cleanup pass:
//
//  1. counter-guided eviction when the advisory counter exceeds the target
//  2. filesystem scan (deleting corrupt images along the way)
//  3. counter reconciliation, crediting renders that landed mid-scan
//  4. ground-truth eviction when the scan still exceeds the target
func (e *Engine) Run(ctx context.Context) error {
	start := e.clock()
	before, err := e.idx.StorageUsed(ctx)
	if err != nil {
		return err
	}

	if before > e.cfg.Target {
		saved, err := e.evict(ctx, before, -1)
		if err != nil {
			return err
		}
		e.logger.Info().
			Str("event", "cleanup.counter_pass").
			Int64("saved", saved).
			Msg("counter-guided eviction done")
	}

	folderSize, entryCount, err := e.folderSize(e.store.Root())
	if err != nil {
		return err
	}

	after, err := e.idx.StorageUsed(ctx)
	if err != nil {
		return err
	}
	// Renders finishing during the scan bump the counter; keep their
	// bytes so the counter never understates disk usage.
	diff := after - before
	if diff < 0 {
		diff = 0
	}
	if err := e.idx.SetStorageUsed(ctx, folderSize+diff); err != nil {
		return err
	}
	if err := e.idx.StampStorageCheck(ctx); err != nil {
		return err
	}

	if folderSize > e.cfg.Target {
		saved, err := e.evict(ctx, folderSize, entryCount)
		if err != nil {
			return err
		}
		if err := e.idx.AddStorageUsed(ctx, -saved); err != nil {
			return err
		}
		e.logger.Info().
			Str("event", "cleanup.ground_truth_pass").
			Int64("folder_size", folderSize).
			Int64("saved", saved).
			Msg("ground-truth eviction done")
	}

	e.logger.Info().
		Str("event", "cleanup.done").
		Dur("duration", e.clock().Sub(start)).
		Msg("cleanup pass complete")
	return nil
}

// evict frees space until size - saved <= Target. When entryCount is
// known and exceeds the index size by more than the allowed offset, an
// orphan sweep removes directories missing from the index first; a
// directory created after the scan began is safe because the render
// task inserts its videoID into the index before extraction starts.
// entryCount < 0 skips the orphan sweep (counter-guided pass).
func (e *Engine) evict(ctx context.Context, size, entryCount int64) (int64, error) {
	var saved int64

	if entryCount >= 0 {
		indexed, err := e.idx.LastUsedCount(ctx)
		if err != nil {
			return saved, err
		}
		if entryCount-indexed > e.cfg.RedisOffsetAllowed {
			freed, err := e.orphanSweep(ctx, size)
			if err != nil {
				return saved, err
			}
			saved += freed
		}
	}

	for size-saved > e.cfg.Target {
		videoID, ok, err := e.idx.OldestVideoID(ctx)
		if err != nil {
			return saved, err
		}
		if !ok {
			break
		}
		freed, _, err := e.folderSize(e.store.FolderPath(videoID))
		if err != nil {
			return saved, err
		}
		if err := e.deleteVideo(ctx, videoID); err != nil {
			return saved, err
		}
		saved += freed
	}
	return saved, nil
}

// orphanSweep removes directories present on disk but absent from the
// last-used index, in enumeration order, until the target is met.
func (e *Engine) orphanSweep(ctx context.Context, size int64) (int64, error) {
	dirs, err := e.store.VideoDirs()
	if err != nil {
		return 0, err
	}

	var saved int64
	for _, videoID := range dirs {
		if size-saved <= e.cfg.Target {
			break
		}
		if _, indexed, err := e.idx.LastUsedRank(ctx, videoID); err != nil {
			return saved, err
		} else if indexed {
			continue
		}

		freed, _, err := e.folderSize(e.store.FolderPath(videoID))
		if err != nil {
			return saved, err
		}
		if err := e.store.RemoveVideoDir(videoID); err != nil {
			return saved, err
		}
		e.logger.Info().
			Str("event", "cleanup.orphan_removed").
			Str("video_id", videoID).
			Int64("freed", freed).
			Msg("removed unindexed video directory")
		saved += freed
	}
	return saved, nil
}

// deleteVideo removes the index entry before the directory so eviction
// never leaves a dangling index entry.
func (e *Engine) deleteVideo(ctx context.Context, videoID string) error {
	if err := e.idx.RemoveLastUsed(ctx, videoID); err != nil {
		return err
	}
	if err := e.store.RemoveVideoDir(videoID); err != nil {
		return err
	}
	e.logger.Info().
		Str("event", "cleanup.evicted").
		Str("video_id", videoID).
		Msg("evicted video directory")
	return nil
}
