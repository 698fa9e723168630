// Package ratelimit implements a per-key fixed-window request counter used
// to gate inbound API requests by client address.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type record struct {
	count       int
	windowStart time.Time
}

// Limiter allows up to limit requests per key within each fixed window. A
// key's first request after its window elapses resets the count. Denial is
// terminal for the request; callers should retry after Window.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	records map[string]*record
}

// New builds a Limiter allowing limit requests per window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		records: make(map[string]*record),
	}
}

// Allow records a request for key and reports whether it is admitted.
func (l *Limiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[key]
	if !ok || now.Sub(r.windowStart) >= l.window {
		l.records[key] = &record{count: 1, windowStart: now}
		return true
	}
	if r.count < l.limit {
		r.count++
		return true
	}
	return false
}

// RetryAfter is the delay a denied caller should wait before retrying.
func (l *Limiter) RetryAfter() time.Duration { return l.window }

// Sweep periodically drops expired records so the key map stays bounded.
// It blocks until ctx is cancelled; run it in its own goroutine.
func (l *Limiter) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.purge()
		}
	}
}

func (l *Limiter) purge() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, r := range l.records {
		if now.Sub(r.windowStart) >= l.window {
			delete(l.records, key)
		}
	}
}
