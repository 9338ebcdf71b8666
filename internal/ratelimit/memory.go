package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// MemoryLimiter is an in-process Limiter. Windows are isolated per key: the
// outer map lock is held only to find or create a window, never while
// counting.
type MemoryLimiter struct {
	rule Rule
	now  func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryLimiter creates a MemoryLimiter enforcing rule.
func NewMemoryLimiter(rule Rule) *MemoryLimiter {
	return &MemoryLimiter{
		rule:    rule,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

func (l *MemoryLimiter) windowFor(participantID string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[participantID]
	if !ok {
		w = &window{}
		l.windows[participantID] = w
	}
	return w
}

func (l *MemoryLimiter) TryConsume(_ context.Context, participantID string) (bool, time.Duration) {
	w := l.windowFor(participantID)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.resetAt.IsZero() || !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(l.rule.Window)
	}
	if w.count >= l.rule.Limit {
		return false, w.resetAt.Sub(now)
	}
	w.count++
	return true, 0
}

func (l *MemoryLimiter) Forget(_ context.Context, participantID string) {
	l.mu.Lock()
	delete(l.windows, participantID)
	l.mu.Unlock()
}

// Remaining returns how many messages participantID may still send in the
// current window.
func (l *MemoryLimiter) Remaining(participantID string) int {
	l.mu.Lock()
	w, ok := l.windows[participantID]
	l.mu.Unlock()
	if !ok {
		return l.rule.Limit
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !l.now().Before(w.resetAt) {
		return l.rule.Limit
	}
	return l.rule.Limit - w.count
}
