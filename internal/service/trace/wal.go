// Crash-durable buffering for response traces.
//
//	Emit → Append → segment file (disk) → memory buffer → COPY flush → checkpoint
//
// Every trace hits disk before Append returns to the pipeline; the audit
// record survives a crash even when the batched COPY to Postgres has not
// happened yet. After a successful flush the checkpoint advances and fully
// flushed segment files are deleted. Startup recovery replays everything
// past the checkpoint into the buffer before the server takes traffic.
package trace

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/telemetry"
)

// On-disk layout. A segment starts with a fixed header, then records:
//
//	header: magic(4) version(2) reserved(2) baseLSN(8)
//	record: lsn(8) payloadLen(4) payload(N) crc32c(4)
//
// The CRC covers the record head and payload. A record that fails its CRC,
// length bound, or JSON decode ends the readable prefix of that segment;
// everything before it is still recovered.
const (
	walMagic      = 0x4B475754 // "KGWT"
	walVersion    = 1
	walHeaderSize = 16
	walRecordHead = 12
	walCRCSize    = 4
	walMaxPayload = 16 << 20

	defaultSegmentSize    = 64 << 20
	defaultSegmentRecords = 100_000
	minSegmentSize        = 1 << 20
	minSegmentRecords     = 100

	defaultSyncInterval = 10 * time.Millisecond
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// WALConfig tunes segment durability and rotation.
type WALConfig struct {
	Dir            string        // empty disables the WAL
	SyncMode       string        // full, batch, or none; batch is the default
	SyncInterval   time.Duration // batch-mode fsync cadence
	MaxSegmentSize int64         // rotation threshold in bytes
	MaxSegmentRecs int           // rotation threshold in records
}

// WAL is the write-ahead log under the trace emitter's buffer.
type WAL struct {
	dir      string
	syncMode string

	mu          sync.Mutex // serializes segment writes and rotation
	current     *os.File
	segmentNum  uint64
	segmentSize int64
	segmentRecs int
	nextLSN     atomic.Uint64

	maxSegSize int64
	maxSegRecs int

	logger *slog.Logger

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// checkpoint records the position confirmed flushed to Postgres.
type checkpoint struct {
	FlushedLSN uint64    `json:"flushed_lsn"`
	FlushedAt  time.Time `json:"flushed_at"`
	Segment    uint64    `json:"segment"`
}

// NewWAL opens the log directory, resumes LSN allocation from the last
// checkpoint, and starts a fresh segment. A nil WAL (cfg.Dir empty) means
// the emitter runs memory-only.
func NewWAL(logger *slog.Logger, cfg WALConfig) (*WAL, error) {
	if cfg.Dir == "" {
		return nil, nil
	}
	if err := normalizeWALConfig(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}
	probe := filepath.Join(cfg.Dir, ".wal_probe")
	f, err := os.Create(probe) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("wal: directory not writable: %w", err)
	}
	_ = f.Close()
	_ = os.Remove(probe)

	w := &WAL{
		dir:        cfg.Dir,
		syncMode:   cfg.SyncMode,
		maxSegSize: cfg.MaxSegmentSize,
		maxSegRecs: cfg.MaxSegmentRecs,
		logger:     logger,
	}

	cp, err := w.loadCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("wal: load checkpoint: %w", err)
	}
	w.nextLSN.Store(cp.FlushedLSN + 1)

	// Never reuse a segment number: resume past whichever is higher, the
	// files on disk or the checkpoint.
	highSeg, err := w.highestSegment()
	if err != nil {
		return nil, fmt.Errorf("wal: scan segments: %w", err)
	}
	if highSeg > 0 {
		w.segmentNum = highSeg + 1
	} else {
		w.segmentNum = cp.Segment + 1
	}

	if err := w.rotateSegment(); err != nil {
		return nil, fmt.Errorf("wal: open initial segment: %w", err)
	}

	switch cfg.SyncMode {
	case "none":
		logger.Warn("wal: sync mode 'none'; recent traces can be lost on crash")
	case "batch":
		ctx, cancel := context.WithCancel(context.Background())
		w.syncCancel = cancel
		w.syncDone = make(chan struct{})
		go w.syncLoop(ctx, cfg.SyncInterval)
	}

	w.registerMetrics()
	return w, nil
}

func normalizeWALConfig(cfg *WALConfig) error {
	if cfg.SyncMode == "" {
		cfg.SyncMode = "batch"
	}
	switch cfg.SyncMode {
	case "full", "batch", "none":
	default:
		return fmt.Errorf("wal: invalid sync mode %q (must be full, batch, or none)", cfg.SyncMode)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = defaultSegmentSize
	}
	if cfg.MaxSegmentSize < minSegmentSize {
		return fmt.Errorf("wal: segment size %d too small (min %d)", cfg.MaxSegmentSize, minSegmentSize)
	}
	if cfg.MaxSegmentRecs <= 0 {
		cfg.MaxSegmentRecs = defaultSegmentRecords
	}
	if cfg.MaxSegmentRecs < minSegmentRecords {
		return fmt.Errorf("wal: segment records %d too small (min %d)", cfg.MaxSegmentRecs, minSegmentRecords)
	}
	return nil
}

// Write appends traces under the segment lock. Full sync mode fsyncs before
// returning; batch and none leave the data to the page cache.
func (w *WAL) Write(traces []model.ResponseTrace) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range traces {
		payload, err := json.Marshal(&traces[i])
		if err != nil {
			return fmt.Errorf("wal: marshal trace: %w", err)
		}
		if len(payload) > walMaxPayload {
			return fmt.Errorf("wal: trace payload too large (%d bytes, max %d)", len(payload), walMaxPayload)
		}
		if err := w.appendRecord(payload); err != nil {
			return err
		}
	}

	if w.syncMode == "full" {
		if err := w.current.Sync(); err != nil {
			return fmt.Errorf("wal: fsync: %w", err)
		}
	}
	return nil
}

// appendRecord writes one framed record and rotates the segment when a
// threshold is crossed. Caller holds w.mu.
func (w *WAL) appendRecord(payload []byte) error {
	lsn := w.nextLSN.Add(1) - 1

	var head [walRecordHead]byte
	binary.BigEndian.PutUint64(head[0:8], lsn)
	binary.BigEndian.PutUint32(head[8:12], uint32(len(payload))) //nolint:gosec // bounded above

	h := crc32.New(crc32cTable)
	_, _ = h.Write(head[:])
	_, _ = h.Write(payload)
	var tail [walCRCSize]byte
	binary.BigEndian.PutUint32(tail[:], h.Sum32())

	for _, chunk := range [][]byte{head[:], payload, tail[:]} {
		if _, err := w.current.Write(chunk); err != nil {
			return fmt.Errorf("wal: write record: %w", err)
		}
	}

	w.segmentSize += int64(walRecordHead + len(payload) + walCRCSize)
	w.segmentRecs++
	if w.segmentSize >= w.maxSegSize || w.segmentRecs >= w.maxSegRecs {
		if err := w.rotateSegment(); err != nil {
			return fmt.Errorf("wal: rotate segment: %w", err)
		}
	}
	return nil
}

// Checkpoint marks flushed traces durable in Postgres and reclaims fully
// flushed segments. Traces do not carry their LSN, so the flushed position
// advances by count from the previous checkpoint; this holds because flushes
// deliver traces in append order.
func (w *WAL) Checkpoint(flushed []model.ResponseTrace) error {
	if len(flushed) == 0 {
		return nil
	}

	cp, err := w.loadCheckpoint()
	if err != nil {
		return fmt.Errorf("wal: load checkpoint for advance: %w", err)
	}

	newLSN := cp.FlushedLSN + uint64(len(flushed))
	if err := w.saveCheckpoint(checkpoint{
		FlushedLSN: newLSN,
		FlushedAt:  time.Now().UTC(),
		Segment:    w.segmentNum,
	}); err != nil {
		return err
	}
	return w.cleanupSegments(newLSN)
}

// Recover returns every trace written past the checkpoint, in LSN order.
// A segment that fails mid-read contributes its readable prefix and ends
// recovery; later segments would leave a gap in the order otherwise.
func (w *WAL) Recover() ([]model.ResponseTrace, error) {
	cp, err := w.loadCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("wal: load checkpoint for recovery: %w", err)
	}

	segments, err := w.listSegments()
	if err != nil {
		return nil, fmt.Errorf("wal: list segments for recovery: %w", err)
	}

	var recovered []model.ResponseTrace
	for _, seg := range segments {
		recs, _, err := w.readSegment(seg)
		if err != nil {
			w.logger.Warn("wal: recovery: error reading segment, skipping remainder",
				"segment", seg, "error", err, "recovered_so_far", len(recovered))
			break
		}
		for _, r := range recs {
			if r.lsn > cp.FlushedLSN {
				recovered = append(recovered, r.trace)
			}
		}
	}
	return recovered, nil
}

// Close stops the sync goroutine and syncs out the current segment.
func (w *WAL) Close() error {
	if w.syncCancel != nil {
		w.syncCancel()
		<-w.syncDone
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return nil
	}
	if err := w.current.Sync(); err != nil {
		w.logger.Warn("wal: final sync failed", "error", err)
	}
	return w.current.Close()
}

// PendingBytes approximates the bytes sitting in un-reclaimed segments.
// Flushed-but-not-yet-deleted records inflate the number slightly; it feeds
// a gauge, not a decision.
func (w *WAL) PendingBytes() int64 {
	segments, err := w.listSegments()
	if err != nil {
		return 0
	}
	var total int64
	for _, seg := range segments {
		if info, err := os.Stat(seg); err == nil {
			total += info.Size()
		}
	}
	return total
}

// SegmentCount reports the number of segment files on disk.
func (w *WAL) SegmentCount() int {
	segs, _ := w.listSegments()
	return len(segs)
}

type walRecord struct {
	lsn   uint64
	trace model.ResponseTrace
}

func (w *WAL) segmentPath(num uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%09d.wal", num))
}

func (w *WAL) checkpointPath() string {
	return filepath.Join(w.dir, "checkpoint.json")
}

func (w *WAL) loadCheckpoint() (checkpoint, error) {
	data, err := os.ReadFile(w.checkpointPath())
	if errors.Is(err, os.ErrNotExist) {
		return checkpoint{}, nil
	}
	if err != nil {
		return checkpoint{}, fmt.Errorf("wal: read checkpoint: %w", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return checkpoint{}, fmt.Errorf("wal: parse checkpoint: %w", err)
	}
	return cp, nil
}

// saveCheckpoint writes atomically: temp file, fsync, rename. A crash leaves
// either the old checkpoint or the new one, never a torn file.
func (w *WAL) saveCheckpoint(cp checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("wal: marshal checkpoint: %w", err)
	}

	tmp := w.checkpointPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("wal: write checkpoint tmp: %w", err)
	}
	f, err := os.Open(tmp) //nolint:gosec // path derives from w.dir
	if err != nil {
		return fmt.Errorf("wal: open checkpoint tmp for sync: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: sync checkpoint tmp: %w", err)
	}
	_ = f.Close()

	if err := os.Rename(tmp, w.checkpointPath()); err != nil {
		return fmt.Errorf("wal: rename checkpoint: %w", err)
	}
	return nil
}

func (w *WAL) rotateSegment() error {
	if w.current != nil {
		if err := w.current.Sync(); err != nil {
			w.logger.Warn("wal: sync before rotation failed", "error", err)
		}
		if err := w.current.Close(); err != nil {
			w.logger.Warn("wal: close before rotation failed", "error", err)
		}
	}

	path := w.segmentPath(w.segmentNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path derives from w.dir
	if err != nil {
		return fmt.Errorf("wal: open segment %d: %w", w.segmentNum, err)
	}

	var hdr [walHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], walMagic)
	binary.BigEndian.PutUint16(hdr[4:6], walVersion)
	binary.BigEndian.PutUint64(hdr[8:16], w.nextLSN.Load())
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: write segment header: %w", err)
	}

	w.current = f
	w.segmentSize = walHeaderSize
	w.segmentRecs = 0
	w.segmentNum++
	return nil
}

func (w *WAL) listSegments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".wal") {
			paths = append(paths, filepath.Join(w.dir, e.Name()))
		}
	}
	// Zero-padded names make lexical order numeric order.
	sort.Strings(paths)
	return paths, nil
}

func (w *WAL) highestSegment() (uint64, error) {
	entries, err := os.ReadDir(w.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var highest uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".wal") {
			continue
		}
		var num uint64
		if _, err := fmt.Sscanf(name, "%09d.wal", &num); err == nil && num > highest {
			highest = num
		}
	}
	return highest, nil
}

// readSegment returns the segment's valid record prefix and the highest LSN
// seen. Truncation, a bad CRC, or undecodable JSON ends the prefix without
// erroring; only an unreadable header is an error.
func (w *WAL) readSegment(path string) ([]walRecord, uint64, error) {
	f, err := os.Open(path) //nolint:gosec // path derives from w.dir
	if err != nil {
		return nil, 0, fmt.Errorf("wal: open segment: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	var hdr [walHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("wal: read segment header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != walMagic {
		return nil, 0, fmt.Errorf("wal: bad magic 0x%08X (expected 0x%08X)", magic, walMagic)
	}
	if version := binary.BigEndian.Uint16(hdr[4:6]); version != walVersion {
		return nil, 0, fmt.Errorf("wal: unsupported version %d", version)
	}

	var records []walRecord
	var highLSN uint64
	for {
		rec, ok := w.readRecord(f, path)
		if !ok {
			break
		}
		records = append(records, rec)
		if rec.lsn > highLSN {
			highLSN = rec.lsn
		}
	}
	return records, highLSN, nil
}

func (w *WAL) readRecord(f *os.File, path string) (walRecord, bool) {
	var head [walRecordHead]byte
	if _, err := io.ReadFull(f, head[:]); err != nil {
		return walRecord{}, false
	}

	lsn := binary.BigEndian.Uint64(head[0:8])
	payloadLen := binary.BigEndian.Uint32(head[8:12])
	if payloadLen > walMaxPayload {
		w.logger.Warn("wal: corrupted payload length, stopping segment read",
			"path", path, "lsn", lsn, "payload_len", payloadLen)
		return walRecord{}, false
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(f, payload); err != nil {
		return walRecord{}, false
	}
	var tail [walCRCSize]byte
	if _, err := io.ReadFull(f, tail[:]); err != nil {
		return walRecord{}, false
	}

	h := crc32.New(crc32cTable)
	_, _ = h.Write(head[:])
	_, _ = h.Write(payload)
	if want, got := h.Sum32(), binary.BigEndian.Uint32(tail[:]); want != got {
		w.logger.Warn("wal: CRC mismatch, stopping segment read",
			"path", path, "lsn", lsn, "expected_crc", want, "actual_crc", got)
		return walRecord{}, false
	}

	var t model.ResponseTrace
	if err := json.Unmarshal(payload, &t); err != nil {
		w.logger.Warn("wal: corrupted trace JSON, stopping segment read",
			"path", path, "lsn", lsn, "error", err)
		return walRecord{}, false
	}
	return walRecord{lsn: lsn, trace: t}, true
}

func (w *WAL) cleanupSegments(flushedLSN uint64) error {
	segments, err := w.listSegments()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		_, highLSN, err := w.readSegment(seg)
		if err != nil {
			continue
		}
		if highLSN > 0 && highLSN <= flushedLSN {
			if err := os.Remove(seg); err != nil {
				w.logger.Warn("wal: failed to delete flushed segment", "path", seg, "error", err)
			}
		}
	}
	return nil
}

func (w *WAL) syncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(w.syncDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.current != nil {
				if err := w.current.Sync(); err != nil {
					w.logger.Warn("wal: batch sync failed", "error", err)
				}
			}
			w.mu.Unlock()
		}
	}
}

func (w *WAL) registerMetrics() {
	meter := telemetry.Meter("kagami/wal")

	_, _ = meter.Int64ObservableGauge("kagami.wal.segment_count",
		metric.WithDescription("Current number of WAL segment files"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.SegmentCount()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kagami.wal.pending_bytes",
		metric.WithDescription("Approximate bytes in un-flushed WAL segments"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.PendingBytes())
			return nil
		}),
	)
}
