package kagami

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions collects every extension point; zero values fall back to
// config or auto-detection in New.
type resolvedOptions struct {
	port               int
	databaseURL        string
	notifyURL          string
	logger             *slog.Logger
	version            string
	generationProvider GenerationProvider
	searcher           Searcher
	toolInvoker        ToolInvoker
	escalationHooks    []EscalationHook
	routeRegistrars    []RouteRegistrar
	middlewares        []Middleware
	extraMigrations    []fs.FS
}

// WithPort listens on the given TCP port instead of KAGAMI_PORT.
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL connects to the given Postgres instead of DATABASE_URL.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL sets the direct Postgres URL for LISTEN/NOTIFY, which cannot
// go through a transaction pooler such as PgBouncer. Overrides NOTIFY_URL.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger routes all App logging through the given slog logger; the
// process default is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version reported by the health endpoint and startup logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithGenerationProvider supplies the model backend for completions and judge
// calls, instead of picking OpenAI/Ollama/static from config. Last call wins.
func WithGenerationProvider(p GenerationProvider) Option {
	return func(o *resolvedOptions) { o.generationProvider = p }
}

// WithSearcher supplies the vector index instead of the auto-detected Qdrant
// one. An unhealthy searcher still degrades to the pgvector path in Postgres.
func WithSearcher(s Searcher) Option {
	return func(o *resolvedOptions) { o.searcher = s }
}

// WithToolInvoker turns on the tool retrieval tier. With no invoker, tool
// registrations are ignored and retrieval falls through to clarify/escalate.
// Last call wins.
func WithToolInvoker(ti ToolInvoker) Option {
	return func(o *resolvedOptions) { o.toolInvoker = ti }
}

// WithEscalationHook subscribes a hook to escalation events. Every registered
// hook sees every event.
func WithEscalationHook(hook EscalationHook) Option {
	return func(o *resolvedOptions) { o.escalationHooks = append(o.escalationHooks, hook) }
}

// WithExtraRoutes mounts additional routes on the App's mux. Registrars run
// in the order they were added.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware wraps the whole handler chain. Earlier registrations end up
// outermost, so they see each request first.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations appends a migration filesystem to run after the
// built-in set, in registration order. Files must be sequential, forward-only
// SQL.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
