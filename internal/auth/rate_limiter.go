package auth

import (
	"sync"
	"time"
)

// attemptLimiter caps sign-in attempts per client address using a fixed
// window that opens on the first attempt.
type attemptLimiter struct {
	mu      sync.Mutex
	windows map[string]*attemptWindow
	max     int
	period  time.Duration
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

type attemptWindow struct {
	opened time.Time
	count  int
}

func newAttemptLimiter(max int, period time.Duration) *attemptLimiter {
	l := &attemptLimiter{
		windows: make(map[string]*attemptWindow),
		max:     max,
		period:  period,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if max > 0 {
		go l.sweep(time.Minute)
	}
	return l
}

// Allow records an attempt for key and reports whether it is within the cap
func (l *attemptLimiter) Allow(key string) bool {
	if l.max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windows[key]
	if w == nil || l.expired(w, now) {
		l.windows[key] = &attemptWindow{opened: now, count: 1}
		return true
	}
	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

// Reset forgets key, typically after a successful sign-in
func (l *attemptLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

// Count returns the attempts recorded for key in its open window
func (l *attemptLimiter) Count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w := l.windows[key]; w != nil && !l.expired(w, l.now()) {
		return w.count
	}
	return 0
}

func (l *attemptLimiter) Stop() {
	l.once.Do(func() { close(l.done) })
}

func (l *attemptLimiter) expired(w *attemptWindow, now time.Time) bool {
	return now.Sub(w.opened) > l.period
}

func (l *attemptLimiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for key, w := range l.windows {
				if l.expired(w, now) {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
