// Package ratelimit provides fixed-window counters used by the risk monitor
// to track per-session command rates. A memory implementation serves single
// node deployments; the Redis implementation shares windows across nodes.
package ratelimit

import (
	"sync"
	"time"
)

const sweepInterval = 5 * time.Minute

// Decision reports the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Count     int
	WindowEnd time.Time
}

// Limiter counts events per key within a rolling window.
type Limiter interface {
	Allow(key string, limit int, window time.Duration) Decision
	Close()
}

type memoryLimiter struct {
	mu      sync.Mutex
	entries map[string]counterState
	stopCh  chan struct{}
	once    sync.Once
}

type counterState struct {
	count     int
	windowEnd time.Time
}

func NewMemory() Limiter {
	l := &memoryLimiter{
		entries: make(map[string]counterState),
		stopCh:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

func (l *memoryLimiter) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.entries[key]
	if !ok || now.After(state.windowEnd) {
		state = counterState{count: 1, windowEnd: now.Add(window)}
		l.entries[key] = state
		return Decision{Allowed: true, Count: state.count, WindowEnd: state.windowEnd}
	}
	state.count++
	l.entries[key] = state
	if state.count > limit {
		return Decision{Allowed: false, Count: state.count, WindowEnd: state.windowEnd}
	}
	return Decision{Allowed: true, Count: state.count, WindowEnd: state.windowEnd}
}

func (l *memoryLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *memoryLimiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, state := range l.entries {
		if now.After(state.windowEnd) {
			delete(l.entries, key)
		}
	}
}

func (l *memoryLimiter) Close() {
	l.once.Do(func() {
		close(l.stopCh)
	})
}
