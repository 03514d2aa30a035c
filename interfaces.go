package kagami

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// GenerationProvider produces text completions and structured judge
// verdicts. When provided via WithGenerationProvider, it replaces the
// auto-detected OpenAI/Ollama/static provider for every generation and
// judge call in the turn pipeline.
type GenerationProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Judge(ctx context.Context, req JudgeRequest) (Verdict, error)
	Name() string
}

// Searcher is a vector search index over twin knowledge.
// When provided via WithSearcher, replaces the auto-detected Qdrant index.
// Returns entity IDs + scores; the caller hydrates full rows from Postgres.
type Searcher interface {
	Search(ctx context.Context, tenantID, twinID uuid.UUID, embedding []float32, kinds []string, limit int) ([]SearchResult, error)
	Healthy(ctx context.Context) error
}

// ToolInvoker executes a registered tool against a visitor query during
// the tool retrieval tier. No invoker ships in OSS — tool registrations
// are inert until one is provided via WithToolInvoker. Implementations
// return the tool's textual output and a confidence score for the match.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool Tool, query string) (output string, confidence float32, err error)
}

// EscalationHook receives async notifications when a twin escalates a
// question to its owner. Multiple hooks may be registered via multiple
// WithEscalationHook calls. Hook methods run in goroutines — they must not
// block indefinitely. Failures are logged but never fail the originating
// turn.
type EscalationHook interface {
	OnEscalationCreated(ctx context.Context, esc Escalation) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Embedder routes share the mux, auth chain, and OTEL instrumentation with
// built-in routes. The function is called once during New() after all
// built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper provides RBAC middleware for use in RouteRegistrar.
// It wraps the server's role check so embedder routes use the same auth
// chain without depending on internal/server directly.
type AuthHelper interface {
	RequireRole(role Role) func(http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /health. Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
