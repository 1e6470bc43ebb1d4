// SPDX-License-Identifier: MIT

// Package kv wraps the shared Redis store with the typed operations the
// rest of the service needs: string keys, counters, sorted sets and
// fan-out pub/sub. All dispatcher and worker processes coordinate
// through a single instance of this store.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrWaitTimeout is returned when a pub/sub wait elapses without a message.
var ErrWaitTimeout = errors.New("timed out waiting for message")

const opTimeout = 2 * time.Second

// Client is a typed wrapper over the shared Redis connection.
type Client struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New connects to Redis at addr and verifies the connection.
func New(addr string, logger zerolog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().Str("addr", addr).Msg("connected to Redis")
	return &Client{rdb: rdb, logger: logger}, nil
}

// NewFromRedis wraps an existing client. Used by tests with miniredis.
func NewFromRedis(rdb *redis.Client, logger zerolog.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

// Raw exposes the underlying client for components with their own key
// scheme (the job queue).
func (c *Client) Raw() *redis.Client { return c.rdb }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.rdb.Close() }

// Ping checks store availability.
func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

func withOpTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// Get returns the string value at key. Missing keys are not an error.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// GetInt64 returns the integer at key, or 0 when the key is missing.
func (c *Client) GetInt64(ctx context.Context, key string) (int64, error) {
	val, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscan(val, &n); err != nil {
		return 0, fmt.Errorf("non-integer value at %s: %w", key, err)
	}
	return n, nil
}

// GetFloat returns the float at key, or 0 when the key is missing.
func (c *Client) GetFloat(ctx context.Context, key string) (float64, error) {
	val, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	var f float64
	if _, err := fmt.Sscan(val, &f); err != nil {
		return 0, fmt.Errorf("non-numeric value at %s: %w", key, err)
	}
	return f, nil
}

// Set stores value at key. A zero ttl means no expiry.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// IncrBy adds n to the integer at key.
func (c *Client) IncrBy(ctx context.Context, key string, n int64) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return c.rdb.IncrBy(ctx, key, n).Err()
}

// ZAdd inserts or updates member with the given score.
func (c *Client) ZAdd(ctx context.Context, key, member string, score float64) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRem removes members from the sorted set.
func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.ZRem(ctx, key, args...).Err()
}

// ZOldest returns the member with the lowest score, if any.
func (c *Client) ZOldest(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	members, err := c.rdb.ZRange(ctx, key, 0, 0).Result()
	if err != nil {
		return "", false, err
	}
	if len(members) == 0 {
		return "", false, nil
	}
	return members[0], true, nil
}

// ZRank returns the rank of member, reporting membership explicitly.
func (c *Client) ZRank(ctx context.Context, key, member string) (int64, bool, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rank, err := c.rdb.ZRank(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rank, true, nil
}

// ZCard returns the cardinality of the sorted set.
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return c.rdb.ZCard(ctx, key).Result()
}

// ZRemRangeByScore removes members with scores in [min, max].
func (c *Client) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return c.rdb.ZRemRangeByScore(ctx, key, min, max).Err()
}

// Publish fans payload out to every subscriber of channel.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Retry runs op with bounded exponential backoff: 5 attempts starting at
// 100ms growing by a factor of 3. Connection loss is treated as
// transient, so every sensitive store operation goes through this.
func Retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 3
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
}
