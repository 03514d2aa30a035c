package search

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// offlineIndex returns a QdrantIndex pointed at a port with no server behind
// it. gRPC dials lazily, so construction succeeds and every RPC fails; that is
// enough to cover early returns, error wrapping, and the health cache.
func offlineIndex(t *testing.T) *QdrantIndex {
	t.Helper()
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        "http://localhost:16334",
		Collection: "test_collection",
		Dims:       1024,
	}, slog.New(slog.NewTextHandler(nil, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func shortCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPoint(kind string) Point {
	return Point{
		ID:        uuid.New(),
		TenantID:  uuid.New(),
		TwinID:    uuid.New(),
		Kind:      kind,
		CreatedAt: time.Now(),
		Embedding: make([]float32, 1024),
	}
}

func TestNewQdrantIndex(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(nil, nil))

	t.Run("valid config", func(t *testing.T) {
		idx, err := NewQdrantIndex(QdrantConfig{
			URL:        "http://localhost:6333",
			Collection: "twin_knowledge",
			Dims:       1024,
		}, logger)
		require.NoError(t, err)
		defer func() { _ = idx.Close() }()

		assert.Equal(t, "twin_knowledge", idx.collection)
		assert.Equal(t, uint64(1024), idx.dims)
		assert.NotNil(t, idx.client)
	})

	t.Run("empty URL rejected", func(t *testing.T) {
		_, err := NewQdrantIndex(QdrantConfig{Collection: "twin_knowledge", Dims: 1024}, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid qdrant URL")
	})

	t.Run("https with api key", func(t *testing.T) {
		idx, err := NewQdrantIndex(QdrantConfig{
			URL:        "https://qdrant.example.com:6333",
			APIKey:     "test-api-key",
			Collection: "my_collection",
			Dims:       768,
		}, logger)
		if err != nil {
			// Some dial options fail eagerly under TLS.
			assert.Contains(t, err.Error(), "connect to qdrant")
			return
		}
		defer func() { _ = idx.Close() }()
		assert.Equal(t, "my_collection", idx.collection)
		assert.Equal(t, uint64(768), idx.dims)
	})
}

func TestQdrantEmptyInputsShortCircuit(t *testing.T) {
	// Empty batches return before any RPC, so they succeed with no server.
	idx := offlineIndex(t)
	ctx := context.Background()

	assert.NoError(t, idx.Upsert(ctx, nil))
	assert.NoError(t, idx.Upsert(ctx, []Point{}))
	assert.NoError(t, idx.DeleteByIDs(ctx, nil))
	assert.NoError(t, idx.DeleteByIDs(ctx, []uuid.UUID{}))
}

func TestQdrantHealthErrRoundTrip(t *testing.T) {
	idx := offlineIndex(t)

	assert.Nil(t, idx.loadHealthErr())

	idx.storeHealthErr(fmt.Errorf("connection refused"))
	require.Error(t, idx.loadHealthErr())
	assert.Equal(t, "connection refused", idx.loadHealthErr().Error())

	idx.storeHealthErr(nil)
	assert.Nil(t, idx.loadHealthErr())

	idx.storeHealthErr(fmt.Errorf("timeout"))
	assert.Equal(t, "timeout", idx.loadHealthErr().Error())
}

func TestQdrantHealthyServesCachedResult(t *testing.T) {
	idx := offlineIndex(t)

	// A fresh timestamp keeps Healthy on the fast path, so the stored value
	// comes back without an RPC that would otherwise fail.
	idx.storeHealthErr(nil)
	idx.healthAt.Store(time.Now().UnixNano())
	assert.Nil(t, idx.Healthy(context.Background()))

	idx.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: previous failure"))
	idx.healthAt.Store(time.Now().UnixNano())
	err := idx.Healthy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous failure")
}

func TestQdrantHealthyRefreshesExpiredCache(t *testing.T) {
	idx := offlineIndex(t)

	idx.storeHealthErr(nil)
	idx.healthAt.Store(time.Now().Add(-10 * time.Second).UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Stale cache forces a real probe, which fails offline.
	err := idx.Healthy(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant unhealthy")
}

func TestQdrantHealthyConcurrent(t *testing.T) {
	idx := offlineIndex(t)
	idx.healthAt.Store(time.Now().Add(-10 * time.Second).UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// singleflight collapses concurrent probes; every caller sees the same
	// failure.
	errs := make(chan error, 10)
	for range 10 {
		go func() { errs <- idx.Healthy(ctx) }()
	}
	for range 10 {
		err := <-errs
		require.Error(t, err)
		assert.Contains(t, err.Error(), "qdrant unhealthy")
	}
}

func TestQdrantCloseIsSafe(t *testing.T) {
	idx := offlineIndex(t)
	// Cleanup closes again; double-close on the gRPC conn must not panic.
	assert.NoError(t, idx.Close())
}

func TestQdrantRPCErrorWrapping(t *testing.T) {
	// Each RPC runs its full request-building path before failing on the
	// missing server, and the error names the operation.
	idx := offlineIndex(t)
	embedding := make([]float32, 1024)

	t.Run("search", func(t *testing.T) {
		results, err := idx.Search(shortCtx(t), uuid.New(), uuid.New(), embedding, nil, 10)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "qdrant query")
		assert.Nil(t, results)
	})

	t.Run("upsert", func(t *testing.T) {
		err := idx.Upsert(shortCtx(t), []Point{testPoint(KindVerifiedAnswer)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "qdrant upsert")
	})

	t.Run("delete by ids", func(t *testing.T) {
		err := idx.DeleteByIDs(shortCtx(t), []uuid.UUID{uuid.New()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "qdrant delete")
	})

	t.Run("delete by twin", func(t *testing.T) {
		err := idx.DeleteByTwin(shortCtx(t), uuid.New())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "qdrant delete by twin")
	})

	t.Run("ensure collection", func(t *testing.T) {
		err := idx.EnsureCollection(shortCtx(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "check collection exists")
	})
}

func TestQdrantUpsertBuildsPayloadPerKind(t *testing.T) {
	// Point-to-payload conversion runs for both kinds before the RPC fails,
	// and the error reports the batch size.
	idx := offlineIndex(t)

	points := []Point{testPoint(KindVerifiedAnswer), testPoint(KindTrainingMemory)}
	err := idx.Upsert(shortCtx(t), points)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant upsert 2 points")
}

func TestQdrantSearchKindFilters(t *testing.T) {
	// Exercises filter construction for each kind-selection shape.
	idx := offlineIndex(t)
	embedding := make([]float32, 1024)

	for name, kinds := range map[string][]string{
		"no kinds":       nil,
		"single kind":    {KindVerifiedAnswer},
		"multiple kinds": {KindContentChunk, KindTrainingMemory},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := idx.Search(shortCtx(t), uuid.New(), uuid.New(), embedding, kinds, 10)
			require.Error(t, err)
		})
	}
}

func TestParseQdrantURLInvalidPort(t *testing.T) {
	// url.Parse may fold a non-numeric port into the host, so either error
	// message is acceptable.
	_, _, _, err := parseQdrantURL("http://localhost:notaport")
	require.Error(t, err)
	msg := err.Error()
	assert.True(t,
		msg == `search: invalid port in qdrant URL: "notaport"` ||
			msg == `search: invalid qdrant URL: "http://localhost:notaport"`,
		"unexpected error: %s", msg)
}
