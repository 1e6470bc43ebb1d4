// SPDX-License-Identifier: MIT

package kv

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"time"
)

// Subscription is an open pub/sub channel subscription. The dispatcher
// subscribes before enqueueing so a completion published in between is
// never missed.
type Subscription struct {
	ps      *redis.PubSub
	channel string
}

// Subscribe opens a subscription on channel and waits for the server to
// confirm it before returning.
func (c *Client) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ps := c.rdb.Subscribe(ctx, channel)

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return &Subscription{ps: ps, channel: channel}, nil
}

// Wait blocks until a payload arrives or timeout elapses. A timeout is
// reported as ErrWaitTimeout; the publisher side keeps running.
func (s *Subscription) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrWaitTimeout
		}
		return "", err
	}
	return msg.Payload, nil
}

// Close unsubscribes and releases the connection.
func (s *Subscription) Close() error {
	return s.ps.Close()
}
