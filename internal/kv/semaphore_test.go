// SPDX-License-Identifier: MIT

package kv

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSemaphoreAcquireWithinLimit(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	sem := NewSemaphore(c, "sem", 2)
	if err := sem.Acquire(ctx, "a"); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	if err := sem.Acquire(ctx, "b"); err != nil {
		t.Fatalf("Acquire b: %v", err)
	}

	if n, _ := c.ZCard(ctx, "sem"); n != 2 {
		t.Errorf("holders = %d, want 2", n)
	}

	if err := sem.Release(ctx, "a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if n, _ := c.ZCard(ctx, "sem"); n != 1 {
		t.Errorf("holders after release = %d, want 1", n)
	}
}

func TestSemaphoreBlocksUntilRelease(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	sem := NewSemaphore(c, "sem", 1)
	if err := sem.Acquire(ctx, "holder"); err != nil {
		t.Fatalf("Acquire holder: %v", err)
	}

	acquired := make(chan error, 1)
	go func() { acquired <- sem.Acquire(ctx, "waiter") }()

	select {
	case err := <-acquired:
		t.Fatalf("waiter acquired while slot was held: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	if err := sem.Release(ctx, "holder"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiter Acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired after release")
	}
}

func TestSemaphoreAcquireRespectsContext(t *testing.T) {
	_, c := setupClient(t)

	sem := NewSemaphore(c, "sem", 1)
	if err := sem.Acquire(context.Background(), "holder"); err != nil {
		t.Fatalf("Acquire holder: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := sem.Acquire(ctx, "waiter")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire error = %v, want DeadlineExceeded", err)
	}

	// The abandoned waiter must not hold a slot.
	if n, _ := c.ZCard(context.Background(), "sem"); n != 1 {
		t.Errorf("holders = %d, want 1", n)
	}
}

func TestSemaphoreSweepsStaleHolders(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	sem := NewSemaphore(c, "sem", 1)
	sem.staleAfter = 100 * time.Millisecond

	// Simulate a crashed holder: registered long ago, never released.
	stale := float64(time.Now().Add(-time.Minute).UnixMilli()) / 1000
	if err := c.ZAdd(ctx, "sem", "crashed", stale); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- sem.Acquire(ctx, "waiter") }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stale holder was never swept")
	}

	if _, ok, _ := c.ZRank(ctx, "sem", "crashed"); ok {
		t.Error("crashed holder still present")
	}
}
