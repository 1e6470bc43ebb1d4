// SPDX-License-Identifier: MIT

package index

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dearrow/thumbnail-cache/internal/kv"
)

func setupIndex(t *testing.T) *Index {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(kv.NewFromRedis(rdb, zerolog.Nop()))
}

func TestLastUsedOrdering(t *testing.T) {
	idx := setupIndex(t)
	ctx := context.Background()

	base := idx.clock()
	for i, videoID := range []string{"oldest000000", "middle000000", "newest000000"} {
		offset := i
		idx.clock = func() time.Time { return base.Add(time.Duration(offset) * time.Second) }
		require.NoError(t, idx.TouchLastUsed(ctx, videoID))
	}

	oldest, ok, err := idx.OldestVideoID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "oldest000000", oldest)

	n, err := idx.LastUsedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	require.NoError(t, idx.RemoveLastUsed(ctx, "oldest000000"))
	_, ok, err = idx.LastUsedRank(ctx, "oldest000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorageUsedCounter(t *testing.T) {
	idx := setupIndex(t)
	ctx := context.Background()

	used, err := idx.StorageUsed(ctx)
	require.NoError(t, err)
	assert.Zero(t, used)

	require.NoError(t, idx.AddStorageUsed(ctx, 1500))
	require.NoError(t, idx.AddStorageUsed(ctx, -200))
	used, err = idx.StorageUsed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1300, used)

	require.NoError(t, idx.SetStorageUsed(ctx, 42))
	used, err = idx.StorageUsed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 42, used)
}

func TestBestTime(t *testing.T) {
	idx := setupIndex(t)
	ctx := context.Background()

	_, ok, err := idx.BestTime(ctx, "jNQXAC9IVRw")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, idx.SetBestTime(ctx, "jNQXAC9IVRw", 15.5))
	best, ok, err := idx.BestTime(ctx, "jNQXAC9IVRw")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 15.5, best)
}

func TestStorageCheckStamp(t *testing.T) {
	idx := setupIndex(t)
	ctx := context.Background()

	stamp, err := idx.LastStorageCheck(ctx)
	require.NoError(t, err)
	assert.Zero(t, stamp)

	require.NoError(t, idx.StampStorageCheck(ctx))
	stamp, err = idx.LastStorageCheck(ctx)
	require.NoError(t, err)
	assert.NotZero(t, stamp)
}
