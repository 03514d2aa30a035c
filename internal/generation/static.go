package generation

import "context"

// staticReply is returned by StaticProvider for every completion. It is
// phrased as a stock acknowledgment so development environments without
// a model backend still produce a coherent conversation.
const staticReply = "Thanks for your question. I don't have a confident answer right now, but it has been noted for follow-up."

// StaticProvider returns a fixed reply and passing verdicts. Used when
// no generation backend is configured; keeps the pipeline exercisable
// in development and tests without a model.
type StaticProvider struct{}

// NewStaticProvider creates a provider with no backend.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

// Name identifies the provider.
func (p *StaticProvider) Name() string { return "static" }

// Complete returns the fixed reply.
func (p *StaticProvider) Complete(_ context.Context, _ CompletionRequest) (string, error) {
	return staticReply, nil
}

// Judge passes every candidate.
func (p *StaticProvider) Judge(_ context.Context, _ JudgeRequest) (Verdict, error) {
	return Verdict{Pass: true, Score: 1}, nil
}
