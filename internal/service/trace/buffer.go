// Package trace provides the audit trace ingestion pipeline with buffered
// COPY-based writes and an optional write-ahead log for crash durability.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/storage"
	"github.com/ashita-ai/kagami/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered traces to prevent OOM.
// When this limit is reached, Append applies backpressure by returning an error.
const maxBufferCapacity = 100_000

// Buffer accumulates response traces in memory and flushes to the database
// using COPY when either the buffer size or flush timeout is reached.
// When a WAL is attached, every trace is durable on disk before Append
// returns, and the WAL checkpoint advances after each successful flush.
type Buffer struct {
	db           *storage.DB
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration
	wal          *WAL // nil when the WAL is disabled

	mu     sync.Mutex
	traces []model.ResponseTrace

	droppedTraces atomic.Int64 // total traces dropped due to capacity after flush failure

	started    atomic.Bool
	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc // cancels the flushLoop goroutine
	drainCtx   context.Context    // set by Drain so final flush respects caller's deadline
}

// NewBuffer creates a new trace buffer. wal may be nil.
func NewBuffer(db *storage.DB, logger *slog.Logger, maxSize int, flushTimeout time.Duration, wal *WAL) *Buffer {
	return &Buffer{
		db:           db,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		wal:          wal,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start recovers any un-flushed WAL records into the buffer, begins the
// background flush loop, and registers OTEL metrics. Idempotent; call Drain
// to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("trace: buffer Start called twice, ignoring")
		return
	}
	b.registerMetrics()
	if b.wal != nil {
		recovered, err := b.wal.Recover()
		if err != nil {
			b.logger.Error("trace: WAL recovery failed", "error", err)
		} else if len(recovered) > 0 {
			recovered = b.dropAlreadyFlushed(ctx, recovered)
			b.mu.Lock()
			b.traces = append(b.traces, recovered...)
			b.mu.Unlock()
			b.logger.Info("trace: recovered un-flushed traces from WAL", "count", len(recovered))
		}
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append adds a finalized trace to the buffer. The trace is written to the
// WAL (when enabled) before it is accepted, so a crash between Append and
// flush does not lose the audit record.
// Returns an error if the buffer is at capacity (backpressure).
func (b *Buffer) Append(_ context.Context, t model.ResponseTrace) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Backpressure: reject writes when the buffer is full.
	if len(b.traces)+1 > maxBufferCapacity {
		return fmt.Errorf("trace: buffer at capacity (%d traces), try again later", len(b.traces))
	}

	if b.wal != nil {
		if err := b.wal.Write([]model.ResponseTrace{t}); err != nil {
			return fmt.Errorf("trace: wal write: %w", err)
		}
	}

	b.traces = append(b.traces, t)

	if len(b.traces) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}

	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain().
			// We need a non-cancelled context because ctx is already done.
			// The drain context has its own deadline set by the caller.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.traces) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.traces
	b.traces = nil
	b.mu.Unlock()

	start := time.Now()
	err := b.db.InsertResponseTraces(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("trace: flush failed", "error", err, "batch_size", len(batch))
		// Put traces back for retry, but respect the capacity limit.
		b.mu.Lock()
		if len(b.traces)+len(batch) <= maxBufferCapacity {
			b.traces = append(batch, b.traces...)
		} else {
			b.droppedTraces.Add(int64(len(batch)))
			b.logger.Error("trace: dropping traces, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	if b.wal != nil {
		if cpErr := b.wal.Checkpoint(batch); cpErr != nil {
			// Flushed rows are safe; recovery filters stale WAL records
			// against existing trace IDs before re-buffering.
			b.logger.Warn("trace: wal checkpoint failed", "error", cpErr)
		}
	}

	b.logger.Info("trace: batch flushed",
		"batch_size", len(batch),
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain signals the background flush loop to stop, waits for it to complete
// its final flush, and returns. The ctx parameter controls the maximum time
// to wait for the goroutine to finish and is passed to the final flush so it
// respects the caller's deadline.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx // Store so flushLoop's final flush respects caller's deadline.
	if b.cancelLoop != nil {
		b.cancelLoop() // Signal flushLoop to exit; it does a final flush before closing b.done.
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("trace: drain timed out waiting for flush loop")
	}
}

// registerMetrics registers observable OTEL gauges for buffer health monitoring.
// Called from Start() after the global meter provider has been initialized.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("kagami/buffer")

	_, _ = meter.Int64ObservableGauge("kagami.buffer.depth",
		metric.WithDescription("Current number of traces in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kagami.buffer.dropped_total",
		metric.WithDescription("Total traces dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedTraces())
			return nil
		}),
	)
}

// dropAlreadyFlushed removes recovered traces whose rows already exist.
// A checkpoint that failed after a successful COPY leaves such records
// behind; re-inserting them would violate the primary key.
func (b *Buffer) dropAlreadyFlushed(ctx context.Context, recovered []model.ResponseTrace) []model.ResponseTrace {
	ids := make([]uuid.UUID, len(recovered))
	for i, t := range recovered {
		ids[i] = t.ID
	}
	existing, err := b.db.ExistingTraceIDs(ctx, ids)
	if err != nil {
		b.logger.Warn("trace: recovery id check failed, keeping all recovered traces", "error", err)
		return recovered
	}
	kept := recovered[:0]
	for _, t := range recovered {
		if !existing[t.ID] {
			kept = append(kept, t)
		}
	}
	return kept
}

// Len returns the current number of buffered traces.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.traces)
}

// DroppedTraces returns the total number of traces dropped due to buffer
// capacity exhaustion after a flush failure. A non-zero value indicates the
// audit record has gaps.
func (b *Buffer) DroppedTraces() int64 {
	return b.droppedTraces.Load()
}
