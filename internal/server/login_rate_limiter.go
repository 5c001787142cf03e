package server

import (
	"sync"
	"time"
)

// attemptLimiter blocks a key after too many failures inside a window.
// Logins key it by client and username; share redemption keys it by client
// so unknown-token probing is throttled.
type attemptLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*attemptBucket
	limit    int
	window   time.Duration
	penalty  time.Duration
	staleTTL time.Duration
	sweepAt  time.Time
}

type attemptBucket struct {
	failures  int
	windowEnd time.Time
	blocked   time.Time
	touched   time.Time
}

func newAttemptLimiter(limit int, window, penalty time.Duration) *attemptLimiter {
	if limit <= 0 || window <= 0 || penalty <= 0 {
		return nil
	}
	stale := 2 * max(window, penalty)
	if stale < 10*time.Minute {
		stale = 10 * time.Minute
	}
	return &attemptLimiter{
		buckets:  make(map[string]*attemptBucket),
		limit:    limit,
		window:   window,
		penalty:  penalty,
		staleTTL: stale,
	}
}

// Allow reports whether key may attempt now and, if not, how long until it may.
func (l *attemptLimiter) Allow(key string, now time.Time) (bool, time.Duration) {
	if l == nil || key == "" {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)

	b := l.buckets[key]
	if b == nil {
		return true, 0
	}
	b.touched = now
	if now.Before(b.blocked) {
		return false, b.blocked.Sub(now)
	}
	if !b.windowEnd.IsZero() && !now.Before(b.windowEnd) {
		b.failures = 0
		b.windowEnd = time.Time{}
	}
	return true, 0
}

// Fail records one failed attempt for key.
func (l *attemptLimiter) Fail(key string, now time.Time) {
	if l == nil || key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	if b == nil {
		b = &attemptBucket{}
		l.buckets[key] = b
	}
	if b.windowEnd.IsZero() || !now.Before(b.windowEnd) {
		b.failures = 0
		b.windowEnd = now.Add(l.window)
	}
	b.failures++
	b.touched = now
	if b.failures >= l.limit {
		b.blocked = now.Add(l.penalty)
		b.failures = 0
		b.windowEnd = time.Time{}
	}
	l.sweepLocked(now)
}

// Reset forgets key, typically after a successful attempt.
func (l *attemptLimiter) Reset(key string) {
	if l == nil || key == "" {
		return
	}
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

func (l *attemptLimiter) sweepLocked(now time.Time) {
	if now.Before(l.sweepAt) {
		return
	}
	l.sweepAt = now.Add(l.staleTTL / 2)
	for key, b := range l.buckets {
		if now.Sub(b.touched) > l.staleTTL && !now.Before(b.blocked) {
			delete(l.buckets, key)
		}
	}
}
