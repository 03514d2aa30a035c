package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

const (
	grpcPort       = 6334
	restPort       = 6333
	healthCacheTTL = 5 * time.Second
	healthTimeout  = 3 * time.Second

	hnswM           = uint64(16)
	hnswEfConstruct = uint64(128)
)

// QdrantConfig holds connection settings for the vector index.
type QdrantConfig struct {
	URL        string // "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Point is the data needed to upsert a single knowledge entity into Qdrant.
type Point struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	TwinID    uuid.UUID
	Kind      string
	CreatedAt time.Time
	Embedding []float32
}

// QdrantIndex implements Searcher backed by Qdrant.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL splits a Qdrant URL into gRPC connection parameters. URLs
// quoting the REST port are silently mapped to the gRPC port, since cloud
// dashboards hand out the REST form.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()
	port = grpcPort

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		if p != restPort {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantIndex dials the Qdrant gRPC endpoint and returns the index handle.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection when missing, then runs every
// CreateFieldIndex unconditionally. Qdrant treats index creation as
// idempotent, which backfills indexes added after a collection already
// existed.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		m, efConstruct := hnswM, hnswEfConstruct
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	} else {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
	}

	// CreateFieldIndex is idempotent, so running the full set on every boot
	// backfills indexes added since the collection was first created.
	indexes := []struct {
		field string
		typ   qdrant.FieldType
	}{
		{"tenant_id", qdrant.FieldType_FieldTypeKeyword},
		{"twin_id", qdrant.FieldType_FieldTypeKeyword},
		{"kind", qdrant.FieldType_FieldTypeKeyword},
		{"created_at_unix", qdrant.FieldType_FieldTypeFloat},
	}
	for _, idx := range indexes {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      idx.field,
			FieldType:      &idx.typ,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", idx.field, err)
		}
	}

	q.logger.Info("qdrant: payload indexes ensured", "collection", q.collection)
	return nil
}

// Search queries Qdrant for knowledge entities matching the embedding within
// a twin's namespace. tenant_id and twin_id are always applied as the first
// filters (tenant isolation). Over-fetches limit*3 to allow re-scoring by
// the caller.
func (q *QdrantIndex) Search(ctx context.Context, tenantID, twinID uuid.UUID, embedding []float32, kinds []string, limit int) ([]Result, error) {
	must := buildFilterConditions(tenantID, twinID, kinds)

	fetchLimit := uint64(limit) * 3 //nolint:gosec // limit is bounded by caller (max 1000)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayloadInclude("kind"),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		entityID, err := uuid.Parse(idStr)
		if err != nil {
			q.logger.Warn("qdrant: invalid UUID in point ID", "id", idStr)
			continue
		}
		kind := ""
		if v, ok := sp.Payload["kind"]; ok {
			kind = v.GetStringValue()
		}
		results = append(results, Result{
			EntityID: entityID,
			Kind:     kind,
			Score:    sp.Score,
		})
	}

	return results, nil
}

// buildFilterConditions assembles the payload filter for a twin-scoped query.
// tenant_id and twin_id are always present; kinds narrow the entity types.
func buildFilterConditions(tenantID, twinID uuid.UUID, kinds []string) []*qdrant.Condition {
	must := []*qdrant.Condition{
		qdrant.NewMatch("tenant_id", tenantID.String()),
		qdrant.NewMatch("twin_id", twinID.String()),
	}

	if len(kinds) == 1 {
		must = append(must, qdrant.NewMatch("kind", kinds[0]))
	} else if len(kinds) > 1 {
		must = append(must, qdrant.NewMatchKeywords("kind", kinds...))
	}

	return must
}

// Upsert writes the points to Qdrant, replacing any with the same ID.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"tenant_id":       p.TenantID.String(),
			"twin_id":         p.TwinID.String(),
			"kind":            p.Kind,
			"created_at_unix": float64(p.CreatedAt.Unix()),
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByIDs removes specific points from Qdrant by entity ID.
func (q *QdrantIndex) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id.String())
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// DeleteByTwin removes all points for a twin (full twin deletion).
// Called directly (not via outbox) because the entire namespace is being
// wiped — there's no need for per-entity outbox entries. The caller is
// responsible for also deleting Postgres data.
func (q *QdrantIndex) DeleteByTwin(ctx context.Context, twinID uuid.UUID) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch("twin_id", twinID.String()),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete by twin %s: %w", twinID, err)
	}
	return nil
}

// Healthy reports whether Qdrant answers its health check. The result is
// cached for five seconds, and expired-cache callers collapse into one gRPC
// probe through singleflight.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < healthCacheTTL {
		return q.loadHealthErr()
	}

	// The probe runs on its own context: singleflight hands every waiter the
	// first caller's result, and that caller cancelling must not poison it.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), healthTimeout)
		defer cancel()

		if _, err := q.client.HealthCheck(checkCtx); err != nil {
			q.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr caches the probe outcome. The pointer indirection is
// required because atomic.Value rejects nil.
func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

// loadHealthErr returns the cached probe outcome, nil before the first probe.
func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close tears down the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
