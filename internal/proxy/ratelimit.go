package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Bucket tracks the ratelimit window for one canonical route. The mutex is
// held from admission until the response headers have been applied, which
// serializes requests per route and keeps the header state race free.
type Bucket struct {
	Key string

	mu        sync.Mutex
	limit     int
	remaining int
	reset     time.Time
}

// TooManyRequestsBody is the JSON body Discord returns alongside a 429.
// RetryAfter is in milliseconds.
type TooManyRequestsBody struct {
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after"`
	Global     bool   `json:"global"`
}

// RateLimiter admits requests per canonical route and honors the account
// wide global limit.
type RateLimiter struct {
	bucketsMu sync.RWMutex
	buckets   map[string]*Bucket

	globalMu    sync.RWMutex
	globalUntil time.Time
}

// NewRateLimiter creates an empty limiter. Buckets are created on first
// use with a single optimistic slot so the first request probes the real
// limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*Bucket),
	}
}

// Bucket returns the bucket for a canonical route key, creating it if
// needed.
func (rl *RateLimiter) Bucket(key string) *Bucket {
	rl.bucketsMu.RLock()
	b, ok := rl.buckets[key]
	rl.bucketsMu.RUnlock()

	if ok {
		return b
	}

	rl.bucketsMu.Lock()
	defer rl.bucketsMu.Unlock()

	if b, ok = rl.buckets[key]; ok {
		return b
	}

	b = &Bucket{Key: key, limit: 1, remaining: 1}
	rl.buckets[key] = b

	return b
}

// Acquire blocks until the route has quota and the global limit is clear,
// then takes one slot. The caller must call Release exactly once, after
// applying the response headers.
func (rl *RateLimiter) Acquire(ctx context.Context, b *Bucket) error {
	b.mu.Lock()

	// A global limit can arm while we sleep on the bucket window, so both
	// gates are rechecked until a pass clears them together.
	for {
		if err := rl.waitGlobal(ctx); err != nil {
			b.mu.Unlock()

			return err
		}

		if b.remaining > 0 {
			b.remaining--

			return nil
		}

		wait := time.Until(b.reset)
		if wait > 0 {
			timer := time.NewTimer(wait)

			select {
			case <-ctx.Done():
				timer.Stop()
				b.mu.Unlock()

				return ctx.Err()
			case <-timer.C:
			}
		}

		// Window elapsed; restore the window's quota.
		b.remaining = b.limit
	}
}

// Release ends the request's hold on the bucket.
func (rl *RateLimiter) Release(b *Bucket) {
	b.mu.Unlock()
}

// waitGlobal blocks while a global ratelimit is in effect.
func (rl *RateLimiter) waitGlobal(ctx context.Context) error {
	for {
		rl.globalMu.RLock()
		until := rl.globalUntil
		rl.globalMu.RUnlock()

		wait := time.Until(until)
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}
}

// SetGlobal halts all dispatch for the given duration.
func (rl *RateLimiter) SetGlobal(d time.Duration) {
	until := time.Now().Add(d)

	rl.globalMu.Lock()
	if until.After(rl.globalUntil) {
		rl.globalUntil = until
	}
	rl.globalMu.Unlock()
}

// UpdateFromHeaders applies X-RateLimit response headers to the bucket.
// The reset epoch is corrected by the drift between the local clock and
// the server's Date header, as the two are rarely in sync.
func (b *Bucket) UpdateFromHeaders(header http.Header, now time.Time) {
	if limit := header.Get("X-RateLimit-Limit"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil {
			b.limit = parsed
		}
	}

	if remaining := header.Get("X-RateLimit-Remaining"); remaining != "" {
		if parsed, err := strconv.Atoi(remaining); err == nil {
			b.remaining = parsed
		}
	}

	if reset := header.Get("X-RateLimit-Reset"); reset != "" {
		parsed, err := strconv.ParseInt(reset, 10, 64)
		if err != nil {
			return
		}

		resetAt := time.Unix(parsed, 0)

		if date := header.Get("Date"); date != "" {
			if serverNow, err := http.ParseTime(date); err == nil {
				resetAt = resetAt.Add(now.Sub(serverNow))
			}
		}

		b.reset = resetAt
	}
}

// ApplyTooManyRequests parses a 429 body and arms either the global limit
// or the bucket's own window. It reports whether the limit was global.
func (rl *RateLimiter) ApplyTooManyRequests(b *Bucket, body []byte) (global bool) {
	parsed := TooManyRequestsBody{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false
	}

	retryAfter := time.Duration(parsed.RetryAfter) * time.Millisecond

	if parsed.Global {
		rl.SetGlobal(retryAfter)

		return true
	}

	b.remaining = 0
	b.reset = time.Now().Add(retryAfter)

	return false
}
