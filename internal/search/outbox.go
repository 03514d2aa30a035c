package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kagami/internal/telemetry"
)

const (
	// maxOutboxAttempts is the retry ceiling; entries at or past it are
	// dead-lettered and eventually swept by cleanupDeadLetters.
	maxOutboxAttempts = 10

	// outboxBatchTimeout bounds a single processBatch call. outboxLockWindow
	// must exceed it so a second worker never claims entries the first one is
	// still working on.
	outboxBatchTimeout = 30 * time.Second
	outboxLockWindow   = "60 seconds"

	// outboxBackoffCapSecs caps the exponential retry backoff at 5 minutes to
	// avoid stranding entries during long Qdrant outages.
	outboxBackoffCapSecs = 300

	deadLetterSweepEvery = time.Hour
	deadLetterKeepFor    = "7 days"
)

// outboxEntry is one claimed row from search_outbox.
type outboxEntry struct {
	ID         int64
	TenantID   uuid.UUID
	TwinID     uuid.UUID
	EntityKind string
	EntityID   uuid.UUID
	Op         string
	Attempts   int
}

// entityForIndex carries the Postgres-side fields of a verified answer or
// training memory. It is layout-compatible with Point so the worker can
// convert directly.
type entityForIndex struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	TwinID    uuid.UUID
	Kind      string
	CreatedAt time.Time
	Embedding []float32
}

// OutboxWorker drains the search_outbox table, mirroring verified answers and
// training memories into Qdrant. Writers enqueue rows in the same transaction
// as the entity change, so the index converges even when Qdrant is down at
// write time.
type OutboxWorker struct {
	pool         *pgxpool.Pool
	index        *QdrantIndex
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // hands the caller's deadline to the final poll
}

// NewOutboxWorker creates a worker; call Start to begin polling.
func NewOutboxWorker(pool *pgxpool.Pool, index *QdrantIndex, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		pool:         pool,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start launches the poll loop. Only the first call has any effect.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("search outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the poll loop, runs one last batch under ctx's deadline, and
// blocks until the loop exits or ctx expires.
func (w *OutboxWorker) Drain(ctx context.Context) {
	// The drain context must be in the channel before cancelLoop fires, or
	// the loop's final poll falls back to its own timeout.
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("search outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, outboxBatchTimeout)
			w.processBatch(batchCtx)
			cancel()
		case <-ctx.Done():
			w.finalPoll()
			w.once.Do(func() { close(w.done) })
			return
		}
	}
}

// finalPoll runs one last batch after the loop context is cancelled, using
// the Drain caller's context when one was handed over.
func (w *OutboxWorker) finalPoll() {
	select {
	case drainCtx := <-w.drainCh:
		w.processBatch(drainCtx)
	default:
		// Cancelled without Drain; give the last batch a bounded window.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		w.processBatch(ctx)
	}
}

func (w *OutboxWorker) processBatch(ctx context.Context) {
	entries, err := w.claimPending(ctx)
	if err != nil {
		w.logger.Error("search outbox: claim pending", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	var upserts, deletes []outboxEntry
	for _, e := range entries {
		switch e.Op {
		case "upsert":
			upserts = append(upserts, e)
		case "delete":
			deletes = append(deletes, e)
		}
	}

	if len(upserts) > 0 {
		w.processUpserts(ctx, upserts)
	}
	if len(deletes) > 0 {
		w.processDeletes(ctx, deletes)
	}

	if time.Since(w.lastCleanup) > deadLetterSweepEvery {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

// claimPending selects up to batchSize unclaimed entries and stamps their
// locked_until in one transaction. SKIP LOCKED keeps concurrent workers from
// blocking on each other's claims.
func (w *OutboxWorker) claimPending(ctx context.Context) ([]outboxEntry, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, tenant_id, twin_id, entity_kind, entity_id, op, attempts
		 FROM search_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	entries, err := scanOutboxEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE search_outbox SET locked_until = now() + interval '`+outboxLockWindow+`' WHERE id = ANY($1)`,
		entryIDs(entries),
	); err != nil {
		return nil, fmt.Errorf("lock entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return entries, nil
}

func (w *OutboxWorker) processUpserts(ctx context.Context, entries []outboxEntry) {
	var answerIDs, memoryIDs []uuid.UUID
	for _, e := range entries {
		switch e.EntityKind {
		case KindVerifiedAnswer:
			answerIDs = append(answerIDs, e.EntityID)
		case KindTrainingMemory:
			memoryIDs = append(memoryIDs, e.EntityID)
		}
	}

	entities, err := w.fetchEntitiesForIndex(ctx, answerIDs, memoryIDs)
	if err != nil {
		w.logger.Error("search outbox: fetch entities", "error", err, "count", len(entries))
		w.failEntries(ctx, entries, err.Error())
		return
	}
	if len(entities) == 0 {
		// Entities were deleted, or never got embeddings; nothing to mirror.
		w.succeedEntries(ctx, entries)
		return
	}

	points := make([]Point, 0, len(entities))
	for _, e := range entities {
		points = append(points, Point(e))
	}
	if err := w.index.Upsert(ctx, points); err != nil {
		w.logger.Error("search outbox: qdrant upsert", "error", err, "count", len(points))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	w.succeedEntries(ctx, entries)
	w.logger.Info("search outbox: upserted", "count", len(points))
}

func (w *OutboxWorker) processDeletes(ctx context.Context, entries []outboxEntry) {
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.EntityID
	}
	if err := w.index.DeleteByIDs(ctx, ids); err != nil {
		w.logger.Error("search outbox: qdrant delete", "error", err, "count", len(ids))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	w.succeedEntries(ctx, entries)
	w.logger.Info("search outbox: deleted", "count", len(ids))
}

func (w *OutboxWorker) succeedEntries(ctx context.Context, entries []outboxEntry) {
	if _, err := w.pool.Exec(ctx,
		`DELETE FROM search_outbox WHERE id = ANY($1)`, entryIDs(entries),
	); err != nil {
		w.logger.Error("search outbox: delete completed entries", "error", err)
	}
}

// failEntries bumps attempts and pushes locked_until out by 2^attempts
// seconds, capped. The whole batch shares one attempt count, so backoff is
// uniform and a Qdrant outage does not turn into a tight retry loop.
func (w *OutboxWorker) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	if _, err := w.pool.Exec(ctx,
		`UPDATE search_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), $2) * interval '1 second'
		 WHERE id = ANY($3)`,
		errMsg, outboxBackoffCapSecs, entryIDs(entries),
	); err != nil {
		w.logger.Error("search outbox: update failed entries", "error", err)
	}

	for _, e := range entries {
		if e.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("search outbox: dead-letter entry",
				"outbox_id", e.ID,
				"entity_kind", e.EntityKind,
				"entity_id", e.EntityID,
				"op", e.Op,
				"attempts", e.Attempts+1,
			)
		}
	}
}

// cleanupDeadLetters drops entries that exhausted their retries long enough
// ago that an operator has had a chance to notice them.
func (w *OutboxWorker) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM search_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '`+deadLetterKeepFor+`'`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("search outbox: cleanup dead-letters failed", "error", err)
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		w.logger.Info("search outbox: cleaned dead-letter entries", "deleted", n)
	}
}

func (w *OutboxWorker) fetchEntitiesForIndex(ctx context.Context, answerIDs, memoryIDs []uuid.UUID) ([]entityForIndex, error) {
	var results []entityForIndex

	type source struct {
		kind  string
		query string
		ids   []uuid.UUID
	}
	sources := []source{
		{KindVerifiedAnswer,
			`SELECT id, tenant_id, twin_id, ingested_at, embedding
			 FROM verified_answers
			 WHERE id = ANY($1) AND embedding IS NOT NULL`,
			answerIDs},
		{KindTrainingMemory,
			`SELECT id, tenant_id, twin_id, created_at, embedding
			 FROM training_memories
			 WHERE id = ANY($1) AND embedding IS NOT NULL`,
			memoryIDs},
	}

	for _, s := range sources {
		if len(s.ids) == 0 {
			continue
		}
		rows, err := w.pool.Query(ctx, s.query, s.ids)
		if err != nil {
			return nil, fmt.Errorf("search outbox: query %s entities: %w", s.kind, err)
		}
		batch, err := scanEntitiesForIndex(rows, s.kind)
		if err != nil {
			return nil, err
		}
		results = append(results, batch...)
	}
	return results, nil
}

// registerMetrics exposes the pending-entry depth as an observable gauge.
// Alerting on sustained depth is the cheapest way to catch a wedged index.
func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("kagami/outbox")

	_, _ = meter.Int64ObservableGauge("kagami.outbox.depth",
		metric.WithDescription("Number of pending entries in the search outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			if err := w.pool.QueryRow(ctx,
				`SELECT COUNT(*) FROM search_outbox WHERE attempts < $1`, maxOutboxAttempts,
			).Scan(&count); err != nil {
				return nil // skip this observation
			}
			o.Observe(count)
			return nil
		}),
	)
}

func entryIDs(entries []outboxEntry) []int64 {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.TwinID, &e.EntityKind, &e.EntityID, &e.Op, &e.Attempts); err != nil {
			return nil, fmt.Errorf("search outbox: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntitiesForIndex(rows pgx.Rows, kind string) ([]entityForIndex, error) {
	defer rows.Close()
	var results []entityForIndex
	for rows.Next() {
		e := entityForIndex{Kind: kind}
		if err := rows.Scan(&e.ID, &e.TenantID, &e.TwinID, &e.CreatedAt, &e.Embedding); err != nil {
			return nil, fmt.Errorf("search outbox: scan entity: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}
