// SPDX-License-Identifier: MIT

// Package index owns the storage-accounting keys in the shared store:
// the last-used sorted set that drives LRU eviction, the advisory
// storage-used counter, and the per-video best-time records. All writes
// go through bounded retry because these keys are updated on hot paths
// where a transient connection loss must not fail the request.
package index

import (
	"context"
	"strconv"
	"time"

	"github.com/dearrow/thumbnail-cache/internal/kv"
)

const (
	lastUsedKey         = "last-used"
	storageUsedKey      = "storage-used"
	lastStorageCheckKey = "last-storage-check"
)

func bestTimeKey(videoID string) string { return "best-" + videoID }

// Index provides accounting operations over the shared store.
type Index struct {
	store *kv.Client
	clock func() time.Time
}

// New builds an Index over the shared store.
func New(store *kv.Client) *Index {
	return &Index{store: store, clock: time.Now}
}

// TouchLastUsed stamps videoID with the current time in the last-used
// set. Called on every successful read and write of a thumbnail.
func (i *Index) TouchLastUsed(ctx context.Context, videoID string) error {
	return kv.Retry(ctx, func() error {
		return i.store.ZAdd(ctx, lastUsedKey, videoID, float64(i.clock().Unix()))
	})
}

// RemoveLastUsed drops videoID from the index. Done before (or atomically
// with) the directory removal so eviction never leaves a dangling entry.
func (i *Index) RemoveLastUsed(ctx context.Context, videoID string) error {
	return kv.Retry(ctx, func() error {
		return i.store.ZRem(ctx, lastUsedKey, videoID)
	})
}

// OldestVideoID returns the least recently used videoID, if any.
func (i *Index) OldestVideoID(ctx context.Context) (string, bool, error) {
	var id string
	var ok bool
	err := kv.Retry(ctx, func() error {
		var err error
		id, ok, err = i.store.ZOldest(ctx, lastUsedKey)
		return err
	})
	return id, ok, err
}

// LastUsedRank reports whether videoID is present in the index.
func (i *Index) LastUsedRank(ctx context.Context, videoID string) (int64, bool, error) {
	var rank int64
	var ok bool
	err := kv.Retry(ctx, func() error {
		var err error
		rank, ok, err = i.store.ZRank(ctx, lastUsedKey, videoID)
		return err
	})
	return rank, ok, err
}

// LastUsedCount returns the number of indexed videos.
func (i *Index) LastUsedCount(ctx context.Context) (int64, error) {
	var n int64
	err := kv.Retry(ctx, func() error {
		var err error
		n, err = i.store.ZCard(ctx, lastUsedKey)
		return err
	})
	return n, err
}

// AddStorageUsed adds n bytes to the advisory storage counter.
func (i *Index) AddStorageUsed(ctx context.Context, n int64) error {
	return kv.Retry(ctx, func() error {
		return i.store.IncrBy(ctx, storageUsedKey, n)
	})
}

// StorageUsed returns the advisory byte counter (0 when unset).
func (i *Index) StorageUsed(ctx context.Context) (int64, error) {
	return i.store.GetInt64(ctx, storageUsedKey)
}

// SetStorageUsed overwrites the counter after reconciliation.
func (i *Index) SetStorageUsed(ctx context.Context, n int64) error {
	return i.store.Set(ctx, storageUsedKey, n, 0)
}

// LastStorageCheck returns the unix time of the last cleanup pass.
func (i *Index) LastStorageCheck(ctx context.Context) (int64, error) {
	return i.store.GetInt64(ctx, lastStorageCheckKey)
}

// StampStorageCheck records that a cleanup pass ran now.
func (i *Index) StampStorageCheck(ctx context.Context) error {
	return i.store.Set(ctx, lastStorageCheckKey, i.clock().Unix(), 0)
}

// BestTime returns the caller-marked canonical timestamp for videoID.
func (i *Index) BestTime(ctx context.Context, videoID string) (float64, bool, error) {
	val, ok, err := i.store.Get(ctx, bestTimeKey(videoID))
	if err != nil || !ok {
		return 0, false, err
	}
	t, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, nil
	}
	return t, true, nil
}

// SetBestTime marks t as the canonical timestamp for videoID
// (officialTime=true requests).
func (i *Index) SetBestTime(ctx context.Context, videoID string, t float64) error {
	return i.store.Set(ctx, bestTimeKey(videoID), strconv.FormatFloat(t, 'f', -1, 64), 0)
}
