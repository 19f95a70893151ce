package gateway

import (
	"context"
	"sync"
	"time"
)

// Bucket is a fixed-window limiter used to pace identify calls. Discord
// allows 1 identify per 5 seconds per token; 6 seconds is used for safety.
type Bucket struct {
	mu        sync.Mutex
	limit     int
	per       time.Duration
	remaining int
	reset     time.Time
}

// NewBucket creates a bucket allowing limit calls per window.
func NewBucket(limit int, per time.Duration) *Bucket {
	return &Bucket{
		limit:     limit,
		per:       per,
		remaining: limit,
	}
}

// Wait blocks until a slot in the bucket is free or the context is done.
// Waiters are admitted strictly one at a time.
func (b *Bucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()

		now := time.Now()
		if now.After(b.reset) {
			b.remaining = b.limit
			b.reset = now.Add(b.per)
		}

		if b.remaining > 0 {
			b.remaining--
			b.mu.Unlock()

			return nil
		}

		wait := time.Until(b.reset)
		b.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()

			return ctx.Err()
		case <-t.C:
		}
	}
}
