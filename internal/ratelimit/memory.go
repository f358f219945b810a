package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	staleThreshold  = 10 * time.Minute
	cleanupInterval = time.Minute
)

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with one rate.Limiter per key.
//
// Keys not seen for ten minutes are evicted by a background goroutine; Close
// stops it.
type MemoryLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter that refills perSecond tokens per second
// per key, up to burst.
func NewMemoryLimiter(perSecond float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// PerMinute creates a MemoryLimiter allowing n requests per minute per key,
// with a burst of n.
func PerMinute(n float64) *MemoryLimiter {
	burst := int(n)
	if burst < 1 {
		burst = 1
	}
	return NewMemoryLimiter(n/60, burst)
}

func (m *MemoryLimiter) get(key string, now time.Time) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.entries[key] = e
	}
	e.lastAccess = now
	return e.limiter
}

// Allow consumes one token for key if one is available.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()
	return m.get(key, now).AllowN(now, 1), nil
}

// RetryAfter returns how long until key has a token again. Unknown keys are
// not tracked and report zero.
func (m *MemoryLimiter) RetryAfter(key string) time.Duration {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	tokens := e.limiter.TokensAt(time.Now())
	if tokens >= 1 || m.limit <= 0 {
		return 0
	}
	return time.Duration((1 - tokens) / float64(m.limit) * float64(time.Second))
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.evictStale(now)
		}
	}
}

func (m *MemoryLimiter) evictStale(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-staleThreshold)
	for key, e := range m.entries {
		if e.lastAccess.Before(cutoff) {
			delete(m.entries, key)
		}
	}
}
