package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	evictEvery = time.Minute
	evictAfter = 10 * time.Minute
)

// entry tracks one key's bucket: how full it was the last time we looked,
// and when we looked. Refill happens lazily on access.
type entry struct {
	level float64
	seen  time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory. Each key
// refills at rate tokens per second up to burst. A background sweep drops
// keys idle longer than ten minutes so the map stays bounded under churn
// from anonymous widget traffic.
type MemoryLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter builds a limiter allowing rate sustained requests per
// second per key with bursts up to burst. Close stops the eviction sweep.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow takes one token from key's bucket, reporting false when the bucket
// is empty. A key's first request always passes.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok {
		m.entries[key] = &entry{level: m.burst - 1, seen: now}
		return true, nil
	}

	e.level = min(m.burst, e.level+now.Sub(e.seen).Seconds()*m.rate)
	e.seen = now

	if e.level < 1 {
		return false, nil
	}
	e.level--
	return true, nil
}

// Close is idempotent.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(evictEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			cutoff := m.now().Add(-evictAfter)
			m.mu.Lock()
			for key, e := range m.entries {
				if e.seen.Before(cutoff) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
