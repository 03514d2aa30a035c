package turn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/service/assemble"
)

func collect(t *testing.T, tr model.ResponseTrace, out assemble.Output, result model.RetrievalResult, writeBlocked bool) []model.TurnFrame {
	t.Helper()
	var frames []model.TurnFrame
	err := streamFrames(func(f model.TurnFrame) error {
		frames = append(frames, f)
		return nil
	}, tr, out, result, writeBlocked)
	require.NoError(t, err)
	return frames
}

func TestStreamFramesAnswered(t *testing.T) {
	frames := collect(t, model.ResponseTrace{}, assemble.Output{
		Content: "The office opens at nine.",
		State:   model.TurnFinalized,
	}, model.RetrievalResult{Decision: model.DecisionAnswer}, false)

	require.Len(t, frames, 3)
	assert.Equal(t, model.FrameMetadata, frames[0].Type)
	require.NotNil(t, frames[0].Trace)
	assert.Equal(t, model.FrameContent, frames[1].Type)
	assert.Equal(t, "The office opens at nine.", frames[1].Content)
	assert.Equal(t, model.FrameDone, frames[2].Type)
	assert.Equal(t, model.VariantAnswered, frames[2].Variant)
}

func TestStreamFramesClarify(t *testing.T) {
	frames := collect(t, model.ResponseTrace{}, assemble.Output{
		Content: "Which plan do you mean?",
		State:   model.TurnFinalized,
	}, model.RetrievalResult{
		Decision:       model.DecisionClarify,
		ClarifyOptions: []string{"starter", "pro"},
	}, false)

	require.Len(t, frames, 3)
	assert.Equal(t, model.FrameClarify, frames[1].Type)
	assert.Equal(t, []string{"starter", "pro"}, frames[1].ClarifyOptions)
	assert.Equal(t, model.VariantClarify, frames[2].Variant)
}

func TestStreamFramesClarifyFallbackUsesContentFrame(t *testing.T) {
	// A clarify decision whose generation fell back has no options worth
	// showing; the fallback text goes out as a plain content frame.
	frames := collect(t, model.ResponseTrace{}, assemble.Output{
		Content: "I'm not sure I follow. Could you rephrase?",
		State:   model.TurnFallback,
	}, model.RetrievalResult{Decision: model.DecisionClarify}, false)

	require.Len(t, frames, 3)
	assert.Equal(t, model.FrameContent, frames[1].Type)
	assert.Empty(t, frames[1].ClarifyOptions)
	assert.Equal(t, model.VariantClarify, frames[2].Variant)
}

func TestStreamFramesEscalated(t *testing.T) {
	frames := collect(t, model.ResponseTrace{}, assemble.Output{
		Content: stockEscalationText,
		State:   model.TurnFinalized,
	}, model.RetrievalResult{Decision: model.DecisionEscalate}, false)

	assert.Equal(t, model.VariantEscalated, frames[2].Variant)
	assert.Equal(t, stockEscalationText, frames[1].Content)
}

func TestStreamFramesFallback(t *testing.T) {
	frames := collect(t, model.ResponseTrace{}, assemble.Output{
		Content: "fallback text",
		State:   model.TurnFallback,
	}, model.RetrievalResult{Decision: model.DecisionAnswer}, false)

	assert.Equal(t, model.VariantFallbackReturned, frames[2].Variant)
}

func TestStreamFramesTrainingWriteBlocked(t *testing.T) {
	frames := collect(t, model.ResponseTrace{}, assemble.Output{
		Content: "answer",
		State:   model.TurnFinalized,
	}, model.RetrievalResult{Decision: model.DecisionAnswer}, true)

	assert.Equal(t, model.VariantTrainingWriteBlocked, frames[2].Variant)
}

func TestStreamFramesVariantPrecedence(t *testing.T) {
	// Escalation wins over a simultaneous blocked write.
	frames := collect(t, model.ResponseTrace{}, assemble.Output{
		Content: stockEscalationText,
		State:   model.TurnFinalized,
	}, model.RetrievalResult{Decision: model.DecisionEscalate}, true)

	assert.Equal(t, model.VariantEscalated, frames[2].Variant)
}

func TestStreamFramesEmitErrorStops(t *testing.T) {
	boom := errors.New("client went away")
	calls := 0
	err := streamFrames(func(model.TurnFrame) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	}, model.ResponseTrace{}, assemble.Output{Content: "x", State: model.TurnFinalized},
		model.RetrievalResult{Decision: model.DecisionAnswer}, false)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestStreamFramesTraceIsCopied(t *testing.T) {
	tr := model.ResponseTrace{Confidence: 0.9}
	var captured *model.ResponseTrace
	err := streamFrames(func(f model.TurnFrame) error {
		if f.Type == model.FrameMetadata {
			captured = f.Trace
		}
		return nil
	}, tr, assemble.Output{Content: "x", State: model.TurnFinalized},
		model.RetrievalResult{Decision: model.DecisionAnswer}, false)
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.NotSame(t, &tr, captured)
	assert.Equal(t, float32(0.9), captured.Confidence)
}

func TestEscalationDraftAnswer(t *testing.T) {
	assert.Nil(t, escalationDraftAnswer(model.RetrievalResult{}))

	got := escalationDraftAnswer(model.RetrievalResult{
		Evidence: []model.EvidenceItem{
			{Snippet: "best near miss"},
			{Snippet: "second"},
		},
	})
	require.NotNil(t, got)
	assert.Equal(t, "best near miss", *got)
}
