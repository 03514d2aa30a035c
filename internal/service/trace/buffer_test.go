package trace

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestBufferDoubleStartIsNoop(t *testing.T) {
	// Buffer.Start() must be idempotent — a second call logs a warning and returns
	// without spawning a second flush goroutine or panicking on double close(b.done).
	buf := NewBuffer(nil, testLogger(), 100, 50*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf.Start(ctx) // First call — should work.
	buf.Start(ctx) // Second call — should be a no-op, no panic.

	if !buf.started.Load() {
		t.Fatal("expected started to be true after Start()")
	}

	// Clean shutdown.
	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)
}

func TestBufferAppendTracksLen(t *testing.T) {
	buf := NewBuffer(nil, testLogger(), 100, time.Second, nil)

	for _, tr := range testTraces(3) {
		require.NoError(t, buf.Append(context.Background(), tr))
	}
	assert.Equal(t, 3, buf.Len())
	assert.Zero(t, buf.DroppedTraces())
}

func TestBufferAppendWritesThroughWAL(t *testing.T) {
	cfg := testWALConfig(t)
	w, err := NewWAL(testLogger(), cfg)
	require.NoError(t, err)

	buf := NewBuffer(nil, testLogger(), 100, time.Second, w)

	traces := testTraces(4)
	for _, tr := range traces {
		require.NoError(t, buf.Append(context.Background(), tr))
	}
	require.NoError(t, w.Close())

	// Nothing was flushed, so everything must be recoverable from disk.
	w2, err := NewWAL(testLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w2.Close() })

	recovered, err := w2.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 4)
	for i, r := range recovered {
		assert.Equal(t, traces[i].ID, r.ID)
	}
}

func TestBufferDrainWithoutStart(t *testing.T) {
	buf := NewBuffer(nil, testLogger(), 100, time.Second, nil)

	drainCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	buf.Drain(drainCtx) // never started; must not hang or panic
}
