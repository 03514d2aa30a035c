package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemoryLimiter(rate, burst)
	m.now = clock.now
	t.Cleanup(func() { _ = m.Close() })
	return m, clock
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "twin-a")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}

	ok, err := m.Allow(ctx, "twin-a")
	require.NoError(t, err)
	assert.False(t, ok, "fourth request exceeds burst")
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newTestLimiter(t, 2, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _ := m.Allow(ctx, "k")
		require.True(t, ok)
	}
	ok, _ := m.Allow(ctx, "k")
	require.False(t, ok)

	// 2 tokens/s: half a second buys one request back.
	clock.advance(500 * time.Millisecond)
	ok, err := m.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = m.Allow(ctx, "k")
	assert.False(t, ok, "refill credited exactly one token")
}

func TestMemoryLimiterRefillCapsAtBurst(t *testing.T) {
	m, clock := newTestLimiter(t, 10, 2)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "k")
	require.True(t, ok)

	// A long idle period must not bank more than burst tokens.
	clock.advance(time.Hour)
	for i := 0; i < 2; i++ {
		ok, _ := m.Allow(ctx, "k")
		require.True(t, ok, "request %d after idle", i)
	}
	ok, _ = m.Allow(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "ip:10.0.0.1")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "ip:10.0.0.1")
	require.False(t, ok)

	ok, err := m.Allow(ctx, "ip:10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok, "a saturated key must not affect others")
}

func TestMemoryLimiterConcurrentAccess(t *testing.T) {
	m, _ := newTestLimiter(t, 1000, 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := m.Allow(ctx, "shared")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func TestMemoryLimiterEviction(t *testing.T) {
	m, clock := newTestLimiter(t, 1, 1)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "stale")
	clock.advance(evictAfter + time.Minute)
	_, _ = m.Allow(ctx, "fresh")

	// Run one sweep pass directly instead of waiting on the ticker.
	cutoff := clock.now().Add(-evictAfter)
	m.mu.Lock()
	for key, e := range m.entries {
		if e.seen.Before(cutoff) {
			delete(m.entries, key)
		}
	}
	_, staleKept := m.entries["stale"]
	_, freshKept := m.entries["fresh"]
	m.mu.Unlock()

	assert.False(t, staleKept)
	assert.True(t, freshKept)
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var n NoopLimiter
	ok, err := n.Allow(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, n.Close())
}

func TestMemoryLimiterCloseIsIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
