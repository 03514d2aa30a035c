// Package search provides vector search over twin knowledge using an external
// search index with transparent fallback to pgvector search in Postgres.
package search

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Entity kinds stored in the search index. Verified answers and training
// memories are kept in sync by the outbox worker; content chunks are written
// by the ingestion pipeline.
const (
	KindVerifiedAnswer = "verified_answer"
	KindTrainingMemory = "training_memory"
	KindContentChunk   = "content_chunk"
)

// Result holds an entity ID and its raw similarity score from the search
// index. The caller hydrates full rows from Postgres (source of truth).
type Result struct {
	EntityID uuid.UUID
	Kind     string
	Score    float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns entity IDs matching the query vector within a twin's
	// namespace, optionally restricted to the given kinds. Returns IDs +
	// raw similarity scores; the caller hydrates from Postgres.
	Search(ctx context.Context, tenantID, twinID uuid.UUID, embedding []float32, kinds []string, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable, or an error
	// describing the problem.
	Healthy(ctx context.Context) error
}

// kindWeight biases ranking toward curated material: owner-verified answers
// outrank ingested chunks, which outrank raw training memories.
func kindWeight(kind string) float64 {
	switch kind {
	case KindVerifiedAnswer:
		return 1.0
	case KindContentChunk:
		return 0.9
	case KindTrainingMemory:
		return 0.85
	default:
		return 0.8
	}
}

// ReScore adjusts raw similarity scores with kind and recency weighting,
// sorts descending by adjusted score, and truncates to limit. ingestedAt
// maps entity ID to its ingestion time; entities missing from the map were
// deleted between index search and Postgres hydration and are dropped.
//
// Formula: relevance = similarity * kind_weight * (1.0 / (1.0 + age_days / 180.0))
func ReScore(results []Result, ingestedAt map[uuid.UUID]time.Time, limit int) []Result {
	now := time.Now()
	scored := make([]Result, 0, len(results))

	for _, r := range results {
		at, ok := ingestedAt[r.EntityID]
		if !ok {
			continue
		}

		ageDays := math.Max(0, now.Sub(at).Hours()/24.0)
		recencyDecay := 1.0 / (1.0 + ageDays/180.0)
		relevance := float64(r.Score) * kindWeight(r.Kind) * recencyDecay

		r.Score = float32(math.Min(relevance, 1.0))
		scored = append(scored, r)
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
