// SPDX-License-Identifier: MIT

package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func setupClient(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, NewFromRedis(rdb, zerolog.Nop())
}

func TestGetMissingKey(t *testing.T) {
	_, c := setupClient(t)

	_, ok, err := c.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("missing key reported as present")
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, ok, err := c.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get: %v ok=%v", err, ok)
	}
	if val != "v" {
		t.Errorf("Get = %q, want v", val)
	}
}

func TestGetInt64AndIncrBy(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	n, err := c.GetInt64(ctx, "counter")
	if err != nil || n != 0 {
		t.Fatalf("GetInt64 on missing key = %d, %v", n, err)
	}

	if err := c.IncrBy(ctx, "counter", 42); err != nil {
		t.Fatalf("IncrBy: %v", err)
	}
	if err := c.IncrBy(ctx, "counter", -2); err != nil {
		t.Fatalf("IncrBy: %v", err)
	}

	n, err = c.GetInt64(ctx, "counter")
	if err != nil {
		t.Fatalf("GetInt64: %v", err)
	}
	if n != 40 {
		t.Errorf("counter = %d, want 40", n)
	}
}

func TestSortedSetOps(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	for i, member := range []string{"old", "mid", "new"} {
		if err := c.ZAdd(ctx, "zs", member, float64(i)); err != nil {
			t.Fatalf("ZAdd: %v", err)
		}
	}

	oldest, ok, err := c.ZOldest(ctx, "zs")
	if err != nil || !ok {
		t.Fatalf("ZOldest: %v ok=%v", err, ok)
	}
	if oldest != "old" {
		t.Errorf("ZOldest = %q, want old", oldest)
	}

	rank, ok, err := c.ZRank(ctx, "zs", "mid")
	if err != nil || !ok {
		t.Fatalf("ZRank: %v ok=%v", err, ok)
	}
	if rank != 1 {
		t.Errorf("ZRank(mid) = %d, want 1", rank)
	}
	if _, ok, _ := c.ZRank(ctx, "zs", "absent"); ok {
		t.Error("ZRank reported membership for absent member")
	}

	if n, _ := c.ZCard(ctx, "zs"); n != 3 {
		t.Errorf("ZCard = %d, want 3", n)
	}

	if err := c.ZRemRangeByScore(ctx, "zs", "-inf", "1"); err != nil {
		t.Fatalf("ZRemRangeByScore: %v", err)
	}
	if n, _ := c.ZCard(ctx, "zs"); n != 1 {
		t.Errorf("ZCard after range removal = %d, want 1", n)
	}

	if err := c.ZRem(ctx, "zs", "new"); err != nil {
		t.Fatalf("ZRem: %v", err)
	}
	if _, ok, _ := c.ZOldest(ctx, "zs"); ok {
		t.Error("set should be empty")
	}
}

func TestSubscribeReceivesPublish(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() { _ = sub.Close() }()

	if err := c.Publish(ctx, "job-1", "true"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	payload, err := sub.Wait(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if payload != "true" {
		t.Errorf("payload = %q, want true", payload)
	}
}

func TestWaitTimesOut(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, "job-2")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() { _ = sub.Close() }()

	_, err = sub.Wait(ctx, 50*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("Wait error = %v, want ErrWaitTimeout", err)
	}
}

func TestPublishFanOut(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	var subs []*Subscription
	for i := 0; i < 3; i++ {
		sub, err := c.Subscribe(ctx, "job-3")
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Close()
		}
	}()

	if err := c.Publish(ctx, "job-3", "false"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i, sub := range subs {
		payload, err := sub.Wait(ctx, 2*time.Second)
		if err != nil {
			t.Fatalf("subscriber %d: %v", i, err)
		}
		if payload != "false" {
			t.Errorf("subscriber %d payload = %q, want false", i, payload)
		}
	}
}

func TestRetryGivesUpAfterAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func() error {
		attempts++
		return errors.New("still down")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 5 {
		t.Errorf("attempts = %d, want 5", attempts)
	}
}

func TestRetrySucceedsMidway(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}
