// Package ratelimit is the per-user flood gate for chat input.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter drops messages arriving inside the per-user window. Dropped
// input is discarded, never queued.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	last   map[int64]time.Time
	now    func() time.Time
}

func New(window time.Duration) *Limiter {
	return &Limiter{
		window: window,
		last:   make(map[int64]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether the user's message may be processed, and on
// acceptance records it as the user's last accepted message.
func (l *Limiter) Allow(userID int64) bool {
	if l.window <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.last[userID]; ok && now.Sub(last) < l.window {
		return false
	}
	l.last[userID] = now
	return true
}
