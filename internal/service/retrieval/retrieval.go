// Package retrieval runs the tiered lookup policy for a chat turn.
//
// Tiers are evaluated in fixed order — verified answers, vector search over
// ingested content, registered tools — short-circuiting on the first tier
// that clears its confidence threshold. When nothing clears, the orchestrator
// decides between a clarifying question and an escalation; it never
// fabricates an answer.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/search"
	"github.com/ashita-ai/kagami/internal/service/embedding"
	"github.com/ashita-ai/kagami/internal/storage"
	"github.com/ashita-ai/kagami/internal/telemetry"
)

// Thresholds are the per-tier confidence cutoffs. All values are cosine
// similarities in [0,1]; tunables, not constants.
type Thresholds struct {
	Verified float64
	Vector   float64
	Tool     float64
	Clarify  float64
}

// ToolInvoker executes a registered tool against a query. Implementations
// return the tool's textual output and a confidence score for the match.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool model.ToolRegistration, query string) (output string, confidence float32, err error)
}

// Orchestrator runs the tiered retrieval chain. Read-only against twin
// knowledge: the only row it ever causes to exist is an Escalation, and that
// is written later by the turn's finalize transaction, not here.
type Orchestrator struct {
	db       *storage.DB
	embedder embedding.Provider
	index    search.Searcher // nil when Qdrant is not configured
	tools    ToolInvoker     // nil when no tool capability is wired
	th       Thresholds
	logger   *slog.Logger

	tierDuration metric.Float64Histogram
}

// New creates an Orchestrator. index and tools may be nil.
func New(db *storage.DB, embedder embedding.Provider, index search.Searcher, tools ToolInvoker, th Thresholds, logger *slog.Logger) *Orchestrator {
	meter := telemetry.Meter("kagami/retrieval")
	tierDur, _ := meter.Float64Histogram("kagami.retrieval.tier.duration",
		metric.WithDescription("Time spent per retrieval tier (ms)"),
		metric.WithUnit("ms"),
	)
	return &Orchestrator{
		db:           db,
		embedder:     embedder,
		index:        index,
		tools:        tools,
		th:           th,
		logger:       logger,
		tierDuration: tierDur,
	}
}

// Run evaluates the tier chain for query and returns the retrieval outcome.
func (o *Orchestrator) Run(ctx context.Context, tenantID, twinID uuid.UUID, query string) (model.RetrievalResult, error) {
	result := model.RetrievalResult{
		Query:    query,
		Tier:     model.TierNone,
		Decision: model.DecisionEscalate,
	}

	vec, err := o.embedder.Embed(ctx, query)
	if err != nil {
		// Without an embedding neither structured tier can run. The tool
		// tier is keyword-matched, so give it a chance before escalating.
		o.logger.Warn("retrieval: embed query failed, skipping vector tiers", "error", err)
		if hit, toolRes, toolErr := o.toolTier(ctx, tenantID, twinID, query); toolErr == nil && hit {
			return toolRes, nil
		}
		return result, nil
	}

	// Tier 1: verified answers.
	hit, best, err := o.verifiedTier(ctx, tenantID, twinID, vec, &result)
	if err != nil {
		return model.RetrievalResult{}, err
	}
	if hit {
		return result, nil
	}

	// Tier 2: vector search over ingested content and training memories.
	vhit, vbest, err := o.vectorTier(ctx, tenantID, twinID, vec, &result)
	if err != nil {
		return model.RetrievalResult{}, err
	}
	if vhit {
		return result, nil
	}
	if vbest > best {
		best = vbest
	}

	// Tier 3: registered tools.
	if thit, toolRes, err := o.toolTier(ctx, tenantID, twinID, query); err != nil {
		o.logger.Warn("retrieval: tool tier failed", "error", err)
	} else if thit {
		toolRes.Query = query
		return toolRes, nil
	}

	// No tier cleared. Evidence above the clarify floor means a clarifying
	// question can narrow the result; below it, escalate.
	if float64(best) >= o.th.Clarify && len(result.Evidence) > 0 {
		result.Decision = model.DecisionClarify
		result.Confidence = best
		result.ClarifyOptions = clarifyOptions(result.Evidence)
		return result, nil
	}

	result.Decision = model.DecisionEscalate
	result.Confidence = best
	return result, nil
}

// verifiedTier matches the query against curated Q&A. Returns whether the
// tier cleared its threshold and the best similarity seen either way.
func (o *Orchestrator) verifiedTier(ctx context.Context, tenantID, twinID uuid.UUID, vec pgvector.Vector, result *model.RetrievalResult) (bool, float32, error) {
	start := time.Now()
	defer o.recordTier("verified", start)

	matches, err := o.searchVerified(ctx, tenantID, twinID, vec)
	if err != nil {
		return false, 0, fmt.Errorf("retrieval: verified tier: %w", err)
	}
	if len(matches) == 0 {
		return false, 0, nil
	}

	evidence := make([]model.EvidenceItem, len(matches))
	for i, m := range matches {
		evidence[i] = model.EvidenceItem{
			ID:             m.Answer.ID,
			SourceID:       m.Answer.ID,
			Snippet:        m.Answer.Answer,
			RelevanceScore: m.Similarity,
			IngestedAt:     m.Answer.IngestedAt,
		}
	}
	orderEvidence(evidence)

	best := evidence[0].RelevanceScore
	if float64(best) >= o.th.Verified {
		result.Tier = model.TierVerified
		result.Confidence = best
		result.Evidence = evidence
		result.Decision = model.DecisionAnswer
		return true, best, nil
	}

	// Near misses stay on the result as clarify material.
	result.Evidence = mergeEvidence(result.Evidence, evidence)
	return false, best, nil
}

// vectorTier searches ingested chunks and training memories in the twin's
// namespace. Qdrant is the primary index; when it is unhealthy or absent the
// tier degrades to the Postgres pgvector scan rather than failing the turn.
func (o *Orchestrator) vectorTier(ctx context.Context, tenantID, twinID uuid.UUID, vec pgvector.Vector, result *model.RetrievalResult) (bool, float32, error) {
	start := time.Now()
	defer o.recordTier("vector", start)

	evidence, err := o.searchVector(ctx, tenantID, twinID, vec)
	if err != nil {
		return false, 0, fmt.Errorf("retrieval: vector tier: %w", err)
	}
	if len(evidence) == 0 {
		return false, 0, nil
	}
	orderEvidence(evidence)

	best := evidence[0].RelevanceScore
	if float64(best) >= o.th.Vector {
		result.Tier = model.TierVector
		result.Confidence = best
		result.Evidence = evidence
		result.Decision = model.DecisionAnswer
		return true, best, nil
	}

	result.Evidence = mergeEvidence(result.Evidence, evidence)
	return false, best, nil
}

// toolTier invokes an external capability when the query matches a
// registered tool's intent keywords. Higher bar than vector: tools act on
// live data.
func (o *Orchestrator) toolTier(ctx context.Context, tenantID, twinID uuid.UUID, query string) (bool, model.RetrievalResult, error) {
	if o.tools == nil {
		return false, model.RetrievalResult{}, nil
	}
	start := time.Now()
	defer o.recordTier("tool", start)

	registered, err := o.db.ListTools(ctx, tenantID, twinID)
	if err != nil {
		return false, model.RetrievalResult{}, fmt.Errorf("retrieval: list tools: %w", err)
	}

	tool, matched := matchTool(registered, query)
	if !matched {
		return false, model.RetrievalResult{}, nil
	}

	output, confidence, err := o.tools.Invoke(ctx, tool, query)
	if err != nil {
		return false, model.RetrievalResult{}, fmt.Errorf("retrieval: invoke tool %s: %w", tool.Name, err)
	}
	if float64(confidence) < o.th.Tool {
		o.logger.Debug("retrieval: tool below threshold",
			"tool", tool.Name, "confidence", confidence)
		return false, model.RetrievalResult{}, nil
	}

	return true, model.RetrievalResult{
		Tier:       model.TierTool,
		Confidence: confidence,
		Decision:   model.DecisionAnswer,
		ToolName:   tool.Name,
		ToolOutput: output,
		Evidence: []model.EvidenceItem{{
			ID:             tool.ID,
			SourceID:       tool.ID,
			Snippet:        output,
			RelevanceScore: confidence,
			IngestedAt:     tool.CreatedAt,
		}},
	}, nil
}

func (o *Orchestrator) searchVerified(ctx context.Context, tenantID, twinID uuid.UUID, vec pgvector.Vector) ([]storage.VerifiedMatch, error) {
	if o.index != nil && o.index.Healthy(ctx) == nil {
		matches, err := o.searchVerifiedQdrant(ctx, tenantID, twinID, vec)
		if err == nil {
			return matches, nil
		}
		o.logger.Warn("retrieval: qdrant verified search failed, falling back to postgres", "error", err)
	}
	return o.db.SearchVerifiedAnswers(ctx, tenantID, twinID, vec, 5)
}

func (o *Orchestrator) searchVerifiedQdrant(ctx context.Context, tenantID, twinID uuid.UUID, vec pgvector.Vector) ([]storage.VerifiedMatch, error) {
	hits, err := o.index.Search(ctx, tenantID, twinID, vec.Slice(), []string{search.KindVerifiedAnswer}, 5)
	if err != nil {
		return nil, err
	}
	matches := make([]storage.VerifiedMatch, 0, len(hits))
	for _, h := range hits {
		va, err := o.db.GetVerifiedAnswer(ctx, tenantID, h.EntityID)
		if errors.Is(err, storage.ErrNotFound) {
			continue // index ahead of a deletion; outbox will converge
		}
		if err != nil {
			return nil, err
		}
		matches = append(matches, storage.VerifiedMatch{Answer: va, Similarity: h.Score})
	}
	return matches, nil
}

func (o *Orchestrator) searchVector(ctx context.Context, tenantID, twinID uuid.UUID, vec pgvector.Vector) ([]model.EvidenceItem, error) {
	if o.index != nil && o.index.Healthy(ctx) == nil {
		evidence, err := o.searchVectorQdrant(ctx, tenantID, twinID, vec)
		if err == nil {
			return evidence, nil
		}
		o.logger.Warn("retrieval: qdrant vector search failed, falling back to postgres", "error", err)
	}

	matches, err := o.db.SearchContentChunks(ctx, tenantID, twinID, vec, 8)
	if err != nil {
		return nil, err
	}
	evidence := make([]model.EvidenceItem, len(matches))
	for i, m := range matches {
		evidence[i] = model.EvidenceItem{
			ID:             m.Chunk.ID,
			SourceID:       m.Chunk.SourceID,
			Snippet:        m.Chunk.Content,
			RelevanceScore: m.Similarity,
			IngestedAt:     m.Chunk.IngestedAt,
		}
	}
	return evidence, nil
}

func (o *Orchestrator) searchVectorQdrant(ctx context.Context, tenantID, twinID uuid.UUID, vec pgvector.Vector) ([]model.EvidenceItem, error) {
	kinds := []string{search.KindContentChunk, search.KindTrainingMemory}
	hits, err := o.index.Search(ctx, tenantID, twinID, vec.Slice(), kinds, 8)
	if err != nil {
		return nil, err
	}

	// Hydrate rows first; re-scoring needs ingestion timestamps, and hits
	// whose rows are gone drop out here.
	items := make(map[uuid.UUID]model.EvidenceItem, len(hits))
	ingested := make(map[uuid.UUID]time.Time, len(hits))
	for _, h := range hits {
		item, err := o.hydrateHit(ctx, tenantID, h)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items[h.EntityID] = item
		ingested[h.EntityID] = item.IngestedAt
	}

	rescored := search.ReScore(hits, ingested, 8)
	evidence := make([]model.EvidenceItem, 0, len(rescored))
	for _, r := range rescored {
		item := items[r.EntityID]
		item.RelevanceScore = r.Score
		evidence = append(evidence, item)
	}
	return evidence, nil
}

// hydrateHit loads the row behind an index hit. Snippet text is never stored
// in Qdrant payloads, so every hit round-trips through Postgres.
func (o *Orchestrator) hydrateHit(ctx context.Context, tenantID uuid.UUID, h search.Result) (model.EvidenceItem, error) {
	switch h.Kind {
	case search.KindContentChunk:
		chunk, err := o.db.GetContentChunk(ctx, tenantID, h.EntityID)
		if err != nil {
			return model.EvidenceItem{}, err
		}
		return model.EvidenceItem{
			ID:             chunk.ID,
			SourceID:       chunk.SourceID,
			Snippet:        chunk.Content,
			RelevanceScore: h.Score,
			IngestedAt:     chunk.IngestedAt,
		}, nil
	case search.KindTrainingMemory:
		mem, err := o.db.GetTrainingMemory(ctx, tenantID, h.EntityID)
		if err != nil {
			return model.EvidenceItem{}, err
		}
		return model.EvidenceItem{
			ID:             mem.ID,
			SourceID:       mem.ConversationID,
			Snippet:        mem.Content,
			RelevanceScore: h.Score,
			IngestedAt:     mem.CreatedAt,
		}, nil
	default:
		return model.EvidenceItem{}, storage.ErrNotFound
	}
}

func (o *Orchestrator) recordTier(tier string, start time.Time) {
	o.tierDuration.Record(context.Background(),
		float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("tier", tier)),
	)
}

// orderEvidence sorts by score descending, breaking ties by most recent
// ingestion and then lowest id. The full ordering makes results reproducible.
func orderEvidence(evidence []model.EvidenceItem) {
	sort.SliceStable(evidence, func(i, j int) bool {
		a, b := evidence[i], evidence[j]
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore > b.RelevanceScore
		}
		if !a.IngestedAt.Equal(b.IngestedAt) {
			return a.IngestedAt.After(b.IngestedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// mergeEvidence combines near-miss evidence across tiers, deduplicating by
// id and keeping the global ordering.
func mergeEvidence(existing, incoming []model.EvidenceItem) []model.EvidenceItem {
	seen := make(map[uuid.UUID]bool, len(existing))
	for _, e := range existing {
		seen[e.ID] = true
	}
	merged := existing
	for _, e := range incoming {
		if !seen[e.ID] {
			merged = append(merged, e)
		}
	}
	orderEvidence(merged)
	return merged
}

// clarifyOptions derives up to three clarification choices from near-miss
// evidence snippets.
func clarifyOptions(evidence []model.EvidenceItem) []string {
	var opts []string
	seen := make(map[string]bool)
	for _, e := range evidence {
		s := snippetLead(e.Snippet)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		opts = append(opts, s)
		if len(opts) == 3 {
			break
		}
	}
	return opts
}

// snippetLead returns the first sentence or line of a snippet, trimmed to a
// length usable as a clarify option.
func snippetLead(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".\n"); i > 0 {
		s = s[:i]
	}
	const maxLead = 120
	if len(s) > maxLead {
		s = s[:maxLead]
	}
	return strings.TrimSpace(s)
}

// matchTool finds the first registered tool whose intent keywords appear in
// the query. Registration order breaks ties.
func matchTool(tools []model.ToolRegistration, query string) (model.ToolRegistration, bool) {
	q := strings.ToLower(query)
	for _, t := range tools {
		for _, kw := range t.IntentKeywords {
			if kw != "" && strings.Contains(q, strings.ToLower(kw)) {
				return t, true
			}
		}
	}
	return model.ToolRegistration{}, false
}
