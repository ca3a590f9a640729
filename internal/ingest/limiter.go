package ingest

import (
	"sync"
	"time"
)

type bucket struct {
	count   int
	resetAt time.Time
}

// failureLimiter counts failed logins per key in fixed windows. A key is
// blocked once it reaches max failures and stays blocked until its window
// resets.
type failureLimiter struct {
	mu      sync.Mutex
	win     time.Duration
	max     int
	buckets map[string]*bucket
	stopCh  chan struct{}
	now     func() time.Time
}

func newFailureLimiter(max int, window time.Duration) *failureLimiter {
	l := &failureLimiter{
		win:     window,
		max:     max,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanupLoop()
	return l
}

// Blocked reports whether key is refused and for how long.
func (l *failureLimiter) Blocked(key string) (bool, time.Duration) {
	if l == nil {
		return false, 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[key]
	if b == nil || now.After(b.resetAt) {
		return false, 0
	}
	if b.count >= l.max {
		return true, b.resetAt.Sub(now)
	}
	return false, 0
}

// Fail records a failure and reports whether key is now blocked.
func (l *failureLimiter) Fail(key string) bool {
	if l == nil {
		return false
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[key]
	if b == nil || now.After(b.resetAt) {
		b = &bucket{count: 0, resetAt: now.Add(l.win)}
		l.buckets[key] = b
	}
	b.count++
	return b.count >= l.max
}

// Reset forgets key after a successful login.
func (l *failureLimiter) Reset(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

func (l *failureLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *failureLimiter) cleanup() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, key)
		}
	}
}

func (l *failureLimiter) Stop() {
	if l != nil {
		close(l.stopCh)
	}
}
