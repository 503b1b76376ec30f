// Package ratelimit provides the in-memory, per-caller request limiter.
//
// The limiter is process-wide state with an explicit init/shutdown
// lifecycle: Shutdown stops the background sweeper that evicts expired
// windows. Limits are per caller key (API token when present, remote IP
// otherwise); the health probe and metrics endpoints are exempt at the
// middleware layer.
package ratelimit

import (
	"sync"
	"time"
)

// window tracks one caller's usage inside the current window.
type window struct {
	Count     int
	WindowEnd time.Time
}

// Limiter is a fixed-window request limiter. Thread-safe.
type Limiter struct {
	limit  int
	period time.Duration

	mu   sync.Mutex
	data map[string]*window

	stop chan struct{}
	once sync.Once

	// now is overridable for tests.
	now func() time.Time
}

// New creates a limiter allowing limit requests per period per key and
// starts the expiry sweeper. A limit of 0 disables limiting.
func New(limit int, period time.Duration) *Limiter {
	if period <= 0 {
		period = time.Minute
	}
	l := &Limiter{
		limit:  limit,
		period: period,
		data:   make(map[string]*window),
		stop:   make(chan struct{}),
		now:    time.Now,
	}
	go l.sweep()
	return l
}

// Result reports one limiter decision.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow records one request for the key and reports whether it fits the
// window.
func (l *Limiter) Allow(key string) Result {
	if l.limit <= 0 {
		return Result{Allowed: true, Remaining: -1}
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.data[key]
	if !ok || w.WindowEnd.Before(now) {
		w = &window{WindowEnd: now.Add(l.period)}
		l.data[key] = w
	}

	if w.Count >= l.limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: w.WindowEnd}
	}
	w.Count++
	return Result{Allowed: true, Remaining: l.limit - w.Count, ResetAt: w.WindowEnd}
}

// Reset clears a key's usage. Useful for tests and manual quota resets.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.data, key)
}

// Shutdown stops the expiry sweeper. Idempotent.
func (l *Limiter) Shutdown() {
	l.once.Do(func() { close(l.stop) })
}

// sweep evicts expired windows so idle callers do not accumulate.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := l.now()
			l.mu.Lock()
			for key, w := range l.data {
				if w.WindowEnd.Before(now) {
					delete(l.data, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
