package trace

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kagami/internal/model"
)

func testWALConfig(t *testing.T) WALConfig {
	t.Helper()
	return WALConfig{
		Dir:            t.TempDir(),
		SyncMode:       "none", // fast for tests
		MaxSegmentSize: minSegmentSize,
		MaxSegmentRecs: 200,
	}
}

func testTraces(n int) []model.ResponseTrace {
	traces := make([]model.ResponseTrace, n)
	now := time.Now().UTC()
	tenantID := uuid.New()
	twinID := uuid.New()
	convID := uuid.New()
	for i := range traces {
		traces[i] = model.ResponseTrace{
			ID:                      uuid.New(),
			TenantID:                tenantID,
			TwinID:                  twinID,
			InteractionContext:      model.ContextOwnerChat,
			OriginEndpoint:          model.OriginOwnerChat,
			EffectiveConversationID: convID,
			Tier:                    model.TierVerified,
			Confidence:              0.95,
			Decision:                model.DecisionAnswer,
			DeterministicVerdict:    model.VerdictPass,
			PolicyVerdict:           model.VerdictPass,
			VoiceVerdict:            model.VerdictSkipped,
			FinalState:              model.TurnFinalized,
			ContentHash:             fmt.Sprintf("v2:%064d", i),
			CreatedAt:               now,
		}
	}
	return traces
}

func openWAL(t *testing.T, cfg WALConfig) *WAL {
	t.Helper()
	w, err := NewWAL(testLogger(), cfg)
	require.NoError(t, err)
	return w
}

// writeAndClose writes traces through a fresh WAL on cfg and closes it, as a
// crash-before-flush would leave the directory.
func writeAndClose(t *testing.T, cfg WALConfig, traces []model.ResponseTrace) {
	t.Helper()
	w := openWAL(t, cfg)
	require.NoError(t, w.Write(traces))
	require.NoError(t, w.Close())
}

// recoverAll reopens the WAL on cfg and returns whatever Recover yields.
func recoverAll(t *testing.T, cfg WALConfig) []model.ResponseTrace {
	t.Helper()
	w := openWAL(t, cfg)
	t.Cleanup(func() {
		if err := w.Close(); err != nil {
			t.Logf("wal close: %v", err)
		}
	})
	recovered, err := w.Recover()
	require.NoError(t, err)
	return recovered
}

func walSegments(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var paths []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".wal" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths
}

func TestWALWriteAndRecover(t *testing.T) {
	cfg := testWALConfig(t)
	traces := testTraces(5)
	writeAndClose(t, cfg, traces)

	recovered := recoverAll(t, cfg)
	require.Len(t, recovered, 5)
	for i, r := range recovered {
		assert.Equal(t, traces[i].ID, r.ID, "trace %d ID mismatch", i)
		assert.Equal(t, traces[i].ContentHash, r.ContentHash, "trace %d content hash mismatch", i)
	}
}

func TestWALCheckpointAdvancesRecovery(t *testing.T) {
	cfg := testWALConfig(t)
	traces := testTraces(10)

	w := openWAL(t, cfg)
	require.NoError(t, w.Write(traces))
	require.NoError(t, w.Checkpoint(traces[:6]))
	require.NoError(t, w.Close())

	// Only the un-checkpointed tail comes back.
	recovered := recoverAll(t, cfg)
	require.Len(t, recovered, 4)
	for i, r := range recovered {
		assert.Equal(t, traces[6+i].ID, r.ID, "recovered trace %d ID mismatch", i)
	}
}

func TestWALCheckpointAllLeavesNothing(t *testing.T) {
	cfg := testWALConfig(t)
	traces := testTraces(3)

	w := openWAL(t, cfg)
	require.NoError(t, w.Write(traces))
	require.NoError(t, w.Checkpoint(traces))
	require.NoError(t, w.Close())

	assert.Empty(t, recoverAll(t, cfg))
}

func TestWALFreshDirRecoversNothing(t *testing.T) {
	assert.Empty(t, recoverAll(t, testWALConfig(t)))
}

func TestWALSegmentRotation(t *testing.T) {
	cfg := testWALConfig(t)
	cfg.MaxSegmentRecs = minSegmentRecords

	// 250 records at 100 per segment spans at least 3 segments.
	traces := testTraces(250)
	writeAndClose(t, cfg, traces)
	assert.GreaterOrEqual(t, len(walSegments(t, cfg.Dir)), 2)

	assert.Len(t, recoverAll(t, cfg), 250)
}

func TestWALCheckpointReclaimsSegments(t *testing.T) {
	cfg := testWALConfig(t)
	cfg.MaxSegmentRecs = minSegmentRecords

	w := openWAL(t, cfg)
	traces := testTraces(250)
	require.NoError(t, w.Write(traces))

	before := len(walSegments(t, cfg.Dir))
	require.GreaterOrEqual(t, before, 2)

	require.NoError(t, w.Checkpoint(traces))

	after := len(walSegments(t, cfg.Dir))
	assert.Less(t, after, before,
		"checkpoint should delete fully-flushed segments (before=%d, after=%d)", before, after)

	require.NoError(t, w.Close())
}

func TestWALRecoveryStopsAtCorruptRecord(t *testing.T) {
	cfg := testWALConfig(t)
	writeAndClose(t, cfg, testTraces(5))

	segs := walSegments(t, cfg.Dir)
	require.NotEmpty(t, segs)
	last := segs[len(segs)-1]

	data, err := os.ReadFile(last) //nolint:gosec // test file path
	require.NoError(t, err)
	require.Greater(t, len(data), walHeaderSize+walRecordHead+10)

	// Flip one byte inside the first record's payload; its CRC no longer
	// matches and the segment's readable prefix ends there.
	data[walHeaderSize+walRecordHead+5] ^= 0xFF
	require.NoError(t, os.WriteFile(last, data, 0o600))

	assert.Less(t, len(recoverAll(t, cfg)), 5)
}

func TestWALRecoverySkipsBadMagic(t *testing.T) {
	cfg := testWALConfig(t)
	writeAndClose(t, cfg, testTraces(3))

	segs := walSegments(t, cfg.Dir)
	require.NotEmpty(t, segs)

	data, err := os.ReadFile(segs[0]) //nolint:gosec // test file path
	require.NoError(t, err)
	binary.BigEndian.PutUint32(data[0:4], 0xDEADBEEF)
	require.NoError(t, os.WriteFile(segs[0], data, 0o600))

	assert.Empty(t, recoverAll(t, cfg), "segment with bad magic yields no records")
}

func TestWALRecoveryAfterTruncation(t *testing.T) {
	cfg := testWALConfig(t)
	writeAndClose(t, cfg, testTraces(5))

	segs := walSegments(t, cfg.Dir)
	require.NotEmpty(t, segs)
	last := segs[len(segs)-1]

	// Chop 20 bytes off the end, splitting the final record.
	info, err := os.Stat(last)
	require.NoError(t, err)
	truncSize := info.Size() - 20
	require.Greater(t, truncSize, int64(walHeaderSize))
	require.NoError(t, os.Truncate(last, truncSize))

	recovered := recoverAll(t, cfg)
	assert.Less(t, len(recovered), 5, "the split record is lost")
	assert.Greater(t, len(recovered), 0, "records before the cut survive")
}

func TestWALConcurrentWrites(t *testing.T) {
	cfg := testWALConfig(t)
	w := openWAL(t, cfg)

	const goroutines = 10
	const tracesPerGo = 20

	var wg sync.WaitGroup
	errCh := make(chan error, goroutines)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Write(testTraces(tracesPerGo)); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent write error: %v", err)
	}
	require.NoError(t, w.Close())

	assert.Len(t, recoverAll(t, cfg), goroutines*tracesPerGo)
}

func TestWALDisabledWhenDirEmpty(t *testing.T) {
	w, err := NewWAL(testLogger(), WALConfig{Dir: ""})
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestWALConfigValidation(t *testing.T) {
	tests := map[string]struct {
		mutate  func(*WALConfig)
		wantErr string
	}{
		"unknown sync mode":  {func(c *WALConfig) { c.SyncMode = "turbo" }, "invalid sync mode"},
		"segment size floor": {func(c *WALConfig) { c.MaxSegmentSize = 100 }, "segment size"},
		"segment recs floor": {func(c *WALConfig) { c.MaxSegmentRecs = 5 }, "segment records"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := testWALConfig(t)
			tt.mutate(&cfg)
			_, err := NewWAL(testLogger(), cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWALSyncModes(t *testing.T) {
	t.Run("batch", func(t *testing.T) {
		cfg := testWALConfig(t)
		cfg.SyncMode = "batch"
		cfg.SyncInterval = 50 * time.Millisecond

		w := openWAL(t, cfg)
		require.NoError(t, w.Write(testTraces(3)))

		// Give the sync goroutine a chance to fire.
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, w.Close())

		assert.Len(t, recoverAll(t, cfg), 3)
	})

	t.Run("full", func(t *testing.T) {
		cfg := testWALConfig(t)
		cfg.SyncMode = "full"
		writeAndClose(t, cfg, testTraces(3))
		assert.Len(t, recoverAll(t, cfg), 3)
	})
}

func TestWALPendingBytesAndSegmentCount(t *testing.T) {
	cfg := testWALConfig(t)
	w := openWAL(t, cfg)
	defer func() { _ = w.Close() }()

	assert.GreaterOrEqual(t, w.SegmentCount(), 1)

	require.NoError(t, w.Write(testTraces(10)))
	assert.Greater(t, w.PendingBytes(), int64(0))
}

func TestWALCheckpointEmptyIsNoop(t *testing.T) {
	cfg := testWALConfig(t)
	w := openWAL(t, cfg)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.Checkpoint(nil))
	require.NoError(t, w.Checkpoint([]model.ResponseTrace{}))
}
