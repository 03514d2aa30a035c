// Package assemble builds, generates, and validates the final response for a
// turn.
//
// The prompt is stitched in a fixed order; later layers are written assuming
// earlier constraints already bound the model, so reordering is a correctness
// bug. After generation the draft passes deterministic checks, a policy
// judge, and a conditionally-run voice judge, with clause-targeted rewrites
// between passes. Every turn terminates in finalized or fallback.
package assemble

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kagami/internal/generation"
	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/telemetry"
)

// DefaultFallbackText is the pre-approved response returned when validation
// cannot be satisfied. Twins may override it with their own approved text.
const DefaultFallbackText = "I want to make sure I give you an accurate answer, and I'm not able to do that right now. I've noted your question so it can be addressed properly."

// maxResponseLen bounds the assistant output accepted by the deterministic
// format check.
const maxResponseLen = 16 * 1024

// Tunables control the judge loop.
type Tunables struct {
	VoiceJudgeRiskThreshold float64
	VoiceJudgeSampleRate    float64
	MaxRewritePasses        int
}

// Input is everything the assembler needs for one turn.
type Input struct {
	Twin        model.Twin
	Context     model.InteractionContext
	UserMessage string
	History     []model.Message
	Retrieval   model.RetrievalResult

	// Risk drives the conditional voice judge. Derived by the caller from
	// turn characteristics (public context, low retrieval confidence).
	Risk float64
}

// Output is the validated response plus the verdict record for the trace.
type Output struct {
	Content string
	State   model.TurnState

	DeterministicVerdict model.JudgeVerdict
	PolicyVerdict        model.JudgeVerdict
	VoiceVerdict         model.JudgeVerdict
	RewriteApplied       bool
}

// Assembler drives drafting and validation.
type Assembler struct {
	gen    generation.Provider
	tun    Tunables
	logger *slog.Logger

	// sample returns a uniform draw in [0,1); replaceable in tests.
	sample func() float64

	genDuration   metric.Float64Histogram
	judgeDuration metric.Float64Histogram
}

// New creates an Assembler.
func New(gen generation.Provider, tun Tunables, logger *slog.Logger) *Assembler {
	meter := telemetry.Meter("kagami/assemble")
	genDur, _ := meter.Float64Histogram("kagami.generation.duration",
		metric.WithDescription("Time per generation call (ms)"),
		metric.WithUnit("ms"),
	)
	judgeDur, _ := meter.Float64Histogram("kagami.judge.duration",
		metric.WithDescription("Time per judge call (ms)"),
		metric.WithUnit("ms"),
	)
	return &Assembler{
		gen:           gen,
		tun:           tun,
		logger:        logger,
		sample:        rand.Float64,
		genDuration:   genDur,
		judgeDuration: judgeDur,
	}
}

// Assemble runs the full draft/validate/rewrite pipeline. It never returns
// an error to the caller's client path: every internal failure maps to the
// fallback output. The returned Output always carries a terminal state.
func (a *Assembler) Assemble(ctx context.Context, in Input) Output {
	out := Output{
		DeterministicVerdict: model.VerdictSkipped,
		PolicyVerdict:        model.VerdictSkipped,
		VoiceVerdict:         model.VerdictSkipped,
	}

	draft, err := a.draft(ctx, in)
	if err != nil {
		a.logger.Warn("assemble: draft failed, using fallback", "error", err)
		return a.fallback(in, out)
	}
	out.Content = draft
	out.State = model.TurnDrafted

	// Deterministic checks run first; a failure is repaired with one
	// targeted rewrite, not a full regeneration.
	if directive := a.deterministicChecks(in, out.Content); directive != "" {
		out.DeterministicVerdict = model.VerdictFail
		rewritten, err := a.rewrite(ctx, in, out.Content, directive, nil)
		if err != nil {
			a.logger.Warn("assemble: deterministic rewrite failed", "error", err)
			return a.fallback(in, out)
		}
		out.Content = rewritten
		out.RewriteApplied = true
		if directive := a.deterministicChecks(in, out.Content); directive != "" {
			return a.fallback(in, out)
		}
	} else {
		out.DeterministicVerdict = model.VerdictPass
	}
	out.State = model.TurnDeterministicChecked

	priorFailure := out.DeterministicVerdict == model.VerdictFail
	if !a.policyLoop(ctx, in, &out) {
		return a.fallback(in, out)
	}
	out.State = model.TurnPolicyJudged
	priorFailure = priorFailure || out.RewriteApplied

	if a.shouldVoiceJudge(in.Risk, priorFailure) {
		if !a.voiceLoop(ctx, in, &out) {
			return a.fallback(in, out)
		}
		out.State = model.TurnVoiceJudged
	}

	out.State = model.TurnFinalized
	return out
}

// policyLoop judges the draft against the twin's policy layers, rewriting
// offending clauses up to the configured pass budget. Returns false when the
// draft still fails after the last pass.
func (a *Assembler) policyLoop(ctx context.Context, in Input, out *Output) bool {
	verdict, err := a.judge(ctx, "policy", a.policyInstructions(in), in.UserMessage, out.Content)
	if err != nil {
		a.logger.Warn("assemble: policy judge failed", "error", err)
		return false
	}
	if verdict.Pass {
		out.PolicyVerdict = model.VerdictPass
		return true
	}
	out.PolicyVerdict = model.VerdictFail

	for pass := 0; pass < a.tun.MaxRewritePasses; pass++ {
		rewritten, err := a.rewrite(ctx, in, out.Content,
			"Revise only the quoted segments so the response complies with the stated policy. Preserve all other content unchanged.",
			verdict.FailedClauses)
		if err != nil {
			a.logger.Warn("assemble: policy rewrite failed", "error", err)
			return false
		}
		out.Content = rewritten
		out.RewriteApplied = true
		out.State = model.TurnRewritten

		verdict, err = a.judge(ctx, "policy", a.policyInstructions(in), in.UserMessage, out.Content)
		if err != nil {
			a.logger.Warn("assemble: policy re-judge failed", "error", err)
			return false
		}
		if verdict.Pass {
			out.PolicyVerdict = model.VerdictPass
			return true
		}
	}
	return false
}

// voiceLoop judges tone against the twin's voice guide. A voice miss earns a
// single rewrite; if the rewrite still misses, the content stands — voice is
// advisory, policy is binding.
func (a *Assembler) voiceLoop(ctx context.Context, in Input, out *Output) bool {
	if strings.TrimSpace(in.Twin.VoiceGuide) == "" {
		out.VoiceVerdict = model.VerdictSkipped
		return true
	}

	verdict, err := a.judge(ctx, "voice", a.voiceInstructions(in), in.UserMessage, out.Content)
	if err != nil {
		a.logger.Warn("assemble: voice judge failed", "error", err)
		out.VoiceVerdict = model.VerdictSkipped
		return true
	}
	if verdict.Pass {
		out.VoiceVerdict = model.VerdictPass
		return true
	}
	out.VoiceVerdict = model.VerdictFail

	rewritten, err := a.rewrite(ctx, in, out.Content,
		"Adjust the quoted segments to match the voice profile. Preserve meaning and all factual content.",
		verdict.FailedClauses)
	if err != nil {
		a.logger.Warn("assemble: voice rewrite failed", "error", err)
		return true
	}
	out.Content = rewritten
	out.RewriteApplied = true
	out.State = model.TurnRewritten

	// Rewritten content must re-clear policy before it can ship.
	reVerdict, err := a.judge(ctx, "policy", a.policyInstructions(in), in.UserMessage, out.Content)
	if err != nil || !reVerdict.Pass {
		return false
	}
	out.VoiceVerdict = model.VerdictPass
	return true
}

// shouldVoiceJudge bounds voice-judge cost: run on high-risk turns, after a
// prior judge failure, or on a sampled fraction of the rest.
func (a *Assembler) shouldVoiceJudge(risk float64, priorFailure bool) bool {
	if priorFailure {
		return true
	}
	if risk >= a.tun.VoiceJudgeRiskThreshold {
		return true
	}
	return a.sample() < a.tun.VoiceJudgeSampleRate
}

func (a *Assembler) draft(ctx context.Context, in Input) (string, error) {
	start := time.Now()
	content, err := a.gen.Complete(ctx, generation.CompletionRequest{
		System:      a.systemPrompt(in),
		Messages:    a.turnMessages(in),
		Temperature: 0.7,
	})
	a.genDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("call", "draft")))
	if err != nil {
		return "", fmt.Errorf("assemble: draft: %w", err)
	}
	return content, nil
}

// rewrite regenerates with a targeted directive. failedClauses, when
// present, are quoted back so only the offending segments move.
func (a *Assembler) rewrite(ctx context.Context, in Input, current, directive string, failedClauses []string) (string, error) {
	var b strings.Builder
	b.WriteString(directive)
	if len(failedClauses) > 0 {
		b.WriteString("\n\nOffending segments:\n")
		for _, c := range failedClauses {
			fmt.Fprintf(&b, "- %q\n", c)
		}
	}
	b.WriteString("\n\nCurrent response:\n")
	b.WriteString(current)

	start := time.Now()
	content, err := a.gen.Complete(ctx, generation.CompletionRequest{
		System:      a.systemPrompt(in),
		Messages:    []generation.Message{{Role: generation.RoleUser, Content: b.String()}},
		Temperature: 0.3,
	})
	a.genDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("call", "rewrite")))
	if err != nil {
		return "", fmt.Errorf("assemble: rewrite: %w", err)
	}
	return content, nil
}

func (a *Assembler) judge(ctx context.Context, kind, instructions, question, candidate string) (generation.Verdict, error) {
	start := time.Now()
	verdict, err := a.gen.Judge(ctx, generation.JudgeRequest{
		Instructions: instructions,
		Question:     question,
		Candidate:    candidate,
	})
	a.judgeDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("judge", kind)))
	return verdict, err
}

func (a *Assembler) fallback(in Input, out Output) Output {
	out.Content = DefaultFallbackText
	if in.Twin.FallbackText != nil && strings.TrimSpace(*in.Twin.FallbackText) != "" {
		out.Content = *in.Twin.FallbackText
	}
	out.State = model.TurnFallback
	return out
}
