package retrieval

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kagami/internal/model"
)

func evidence(score float32, ingested time.Time) model.EvidenceItem {
	return model.EvidenceItem{
		ID:             uuid.New(),
		SourceID:       uuid.New(),
		Snippet:        "snippet",
		RelevanceScore: score,
		IngestedAt:     ingested,
	}
}

func TestOrderEvidence(t *testing.T) {
	now := time.Now().UTC()

	t.Run("score descending", func(t *testing.T) {
		items := []model.EvidenceItem{
			evidence(0.5, now),
			evidence(0.9, now),
			evidence(0.7, now),
		}
		orderEvidence(items)
		assert.Equal(t, float32(0.9), items[0].RelevanceScore)
		assert.Equal(t, float32(0.7), items[1].RelevanceScore)
		assert.Equal(t, float32(0.5), items[2].RelevanceScore)
	})

	t.Run("equal score prefers recent ingestion", func(t *testing.T) {
		old := evidence(0.8, now.Add(-time.Hour))
		fresh := evidence(0.8, now)
		items := []model.EvidenceItem{old, fresh}
		orderEvidence(items)
		assert.Equal(t, fresh.ID, items[0].ID)
	})

	t.Run("full tie breaks on id", func(t *testing.T) {
		a := evidence(0.8, now)
		b := evidence(0.8, now)
		items := []model.EvidenceItem{a, b}
		orderEvidence(items)
		reordered := []model.EvidenceItem{b, a}
		orderEvidence(reordered)
		assert.Equal(t, items[0].ID, reordered[0].ID, "ordering must not depend on input order")
	})
}

func TestMergeEvidence(t *testing.T) {
	now := time.Now().UTC()
	shared := evidence(0.6, now)

	existing := []model.EvidenceItem{shared, evidence(0.4, now)}
	incoming := []model.EvidenceItem{shared, evidence(0.9, now)}

	merged := mergeEvidence(existing, incoming)

	require.Len(t, merged, 3, "duplicate id merged once")
	assert.Equal(t, float32(0.9), merged[0].RelevanceScore, "merged set re-sorted")
}

func TestClarifyOptions(t *testing.T) {
	now := time.Now().UTC()
	mk := func(snippet string) model.EvidenceItem {
		e := evidence(0.5, now)
		e.Snippet = snippet
		return e
	}

	t.Run("caps at three and dedupes", func(t *testing.T) {
		items := []model.EvidenceItem{
			mk("Shipping takes three days. Unless it's a holiday."),
			mk("Shipping takes three days. The repeated lead is dropped."),
			mk("Returns are accepted for 30 days. See policy."),
			mk("Gift wrapping is available.\nSecond line ignored."),
			mk("A fourth distinct option never makes it in."),
		}
		opts := clarifyOptions(items)
		require.Len(t, opts, 3)
		assert.Equal(t, "Shipping takes three days", opts[0])
		assert.Equal(t, "Returns are accepted for 30 days", opts[1])
		assert.Equal(t, "Gift wrapping is available", opts[2])
	})

	t.Run("skips empty snippets", func(t *testing.T) {
		opts := clarifyOptions([]model.EvidenceItem{mk("   "), mk("Real option here")})
		require.Len(t, opts, 1)
		assert.Equal(t, "Real option here", opts[0])
	})
}

func TestSnippetLead(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"First sentence. Second sentence.", "First sentence"},
		{"First line\nsecond line", "First line"},
		{"  padded  ", "padded"},
		{strings.Repeat("x", 200), strings.Repeat("x", 120)},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, snippetLead(tt.in))
	}
}

func TestMatchTool(t *testing.T) {
	tools := []model.ToolRegistration{
		{ID: uuid.New(), Name: "calendar", IntentKeywords: []string{"availability", "schedule"}},
		{ID: uuid.New(), Name: "weather", IntentKeywords: []string{"weather", "forecast"}},
	}

	t.Run("keyword match is case-insensitive", func(t *testing.T) {
		tool, ok := matchTool(tools, "What's your SCHEDULE next week?")
		require.True(t, ok)
		assert.Equal(t, "calendar", tool.Name)
	})

	t.Run("registration order breaks ties", func(t *testing.T) {
		both := []model.ToolRegistration{
			{Name: "first", IntentKeywords: []string{"when"}},
			{Name: "second", IntentKeywords: []string{"when"}},
		}
		tool, ok := matchTool(both, "when are you free?")
		require.True(t, ok)
		assert.Equal(t, "first", tool.Name)
	})

	t.Run("no keyword no match", func(t *testing.T) {
		_, ok := matchTool(tools, "tell me about your childhood")
		assert.False(t, ok)
	})

	t.Run("empty keyword never matches", func(t *testing.T) {
		_, ok := matchTool([]model.ToolRegistration{{Name: "broken", IntentKeywords: []string{""}}}, "anything")
		assert.False(t, ok)
	})
}
