package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kagami/internal/auth"
	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/ratelimit"
	"github.com/ashita-ai/kagami/internal/search"
	"github.com/ashita-ai/kagami/internal/service/embedding"
	"github.com/ashita-ai/kagami/internal/service/trace"
	"github.com/ashita-ai/kagami/internal/service/training"
	"github.com/ashita-ai/kagami/internal/service/turn"
	"github.com/ashita-ai/kagami/internal/storage"
)

// Server is the Kagami HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler exposes the fully-wrapped root handler so tests can drive the
// server through httptest without a listener.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig carries everything New needs to assemble the route table.
// Optional fields (nil-safe): Limiter, Broker, Searcher, MCPServer,
// OpenAPISpec.
type ServerConfig struct {
	// Required.
	DB          *storage.DB
	JWTMgr      *auth.JWTManager
	TurnSvc     *turn.Service
	TrainingMgr *training.Manager
	Buffer      *trace.Buffer
	Embedder    embedding.Provider
	Logger      *slog.Logger

	// Nil disables the corresponding feature.
	Limiter   ratelimit.Limiter
	Broker    *Broker
	Searcher  search.Searcher
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Embedded OpenAPI YAML.
	OpenAPISpec []byte

	// ExtraRoutes are called after all built-in routes are registered.
	// Each registrar receives the shared mux and the role middleware
	// factory so embedder-supplied routes share the auth chain.
	ExtraRoutes []func(*http.ServeMux, RoleMiddlewareFn)

	// Middlewares wrap the root handler outermost, in registration order
	// (first registered sees the request first). They run before routing,
	// so they observe every request including /health.
	Middlewares []func(http.Handler) http.Handler
}

// RoleMiddlewareFn builds middleware that rejects requests whose claims do
// not carry at least the given role.
type RoleMiddlewareFn func(minRole model.OwnerRole) func(http.Handler) http.Handler

// New wires the handlers, routes, and middleware chain into a Server.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		TurnSvc:             cfg.TurnSvc,
		TrainingMgr:         cfg.TrainingMgr,
		Buffer:              cfg.Buffer,
		Broker:              cfg.Broker,
		Searcher:            cfg.Searcher,
		Embedder:            cfg.Embedder,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Chat traffic limits by principal: owner ID when authenticated, client
	// IP on the public surfaces. Auth attempts always limit by IP.
	chatRL := ratelimit.Middleware(cfg.Limiter, ownerKeyFunc, reqIDFunc)
	publicRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Chat surfaces. All three are covered by publicPath in the auth
	// middleware: a presented JWT still resolves an owner context on the
	// twin route, while anonymous callers get a widget context.
	ownerOnly := requireOwner(model.RoleOwner)
	mux.Handle("POST /v1/twins/{twin_id}/chat", chatRL(http.HandlerFunc(h.HandleOwnerChat)))
	mux.Handle("POST /v1/widget/{twin_id}/chat", publicRL(http.HandlerFunc(h.HandleWidgetChat)))
	mux.Handle("POST /v1/share/{token}/chat", publicRL(http.HandlerFunc(h.HandleShareChat)))

	// Training lifecycle (owner only).
	mux.Handle("POST /v1/twins/{twin_id}/training/start", ownerOnly(http.HandlerFunc(h.HandleTrainingStart)))
	mux.Handle("POST /v1/twins/{twin_id}/training/stop", ownerOnly(http.HandlerFunc(h.HandleTrainingStop)))

	// Escalation review (owner only).
	mux.Handle("GET /v1/escalations", ownerOnly(http.HandlerFunc(h.HandleListEscalations)))
	mux.Handle("POST /v1/escalations/{id}/respond", ownerOnly(http.HandlerFunc(h.HandleRespondEscalation)))
	mux.Handle("POST /v1/escalations/{id}/dismiss", ownerOnly(http.HandlerFunc(h.HandleDismissEscalation)))

	// Share link management (owner only).
	mux.Handle("POST /v1/twins/{twin_id}/share-links", ownerOnly(http.HandlerFunc(h.HandleCreateShareLink)))
	mux.Handle("GET /v1/twins/{twin_id}/share-links", ownerOnly(http.HandlerFunc(h.HandleListShareLinks)))
	mux.Handle("DELETE /v1/share-links/{id}", ownerOnly(http.HandlerFunc(h.HandleRevokeShareLink)))

	// Escalation feed (owner only, no rate limit, long-lived connection).
	mux.Handle("GET /v1/subscribe", ownerOnly(http.HandlerFunc(h.HandleSubscribe)))

	// MCP StreamableHTTP transport (owner only).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", ownerOnly(mcpHTTP))
	}

	// Unauthenticated, unlimited: the spec and the health probe.
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Embedder-supplied routes share the mux and auth chain.
	for _, register := range cfg.ExtraRoutes {
		register(mux, requireOwner)
	}

	// Outermost first: request ID, security headers, tracing, logging, auth,
	// recovery, then the mux.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// Embedder middlewares wrap outermost, first registered outermost.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// ownerKeyFunc extracts the owner ID from the request context for rate
// limiting. Admins are exempt.
func ownerKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ratelimit.IPKeyFunc(r)
	}
	if model.RoleAtLeast(claims.Role, model.RoleOwnerAdmin) {
		return ""
	}
	return claims.OwnerID.String()
}

// Handlers returns the underlying Handlers for access to SeedOwner etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start blocks on ListenAndServe.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
