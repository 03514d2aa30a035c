// Package kagami is the public API for embedding the Kagami digital twin
// conversation server.
//
// Enterprise and plugin consumers import this package to construct and extend
// the server without forking it:
//
//	app, err := kagami.New(
//	    kagami.WithVersion(version),
//	    kagami.WithLogger(logger),
//	    kagami.WithToolInvoker(myCRMInvoker{}),
//	    kagami.WithExtraRoutes(myEnterpriseRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kagami (root) imports
// internal/*, but internal/* never imports kagami (root). Public types
// (Escalation, Tool, Verdict, etc.) are standalone structs with no internal
// imports; conversion helpers (toPublicEscalation, toPublicTool) live here
// because this is the only file that sees both sides of the boundary.
package kagami

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kagami/api"
	"github.com/ashita-ai/kagami/internal/auth"
	"github.com/ashita-ai/kagami/internal/config"
	"github.com/ashita-ai/kagami/internal/generation"
	"github.com/ashita-ai/kagami/internal/mcp"
	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/ratelimit"
	"github.com/ashita-ai/kagami/internal/search"
	"github.com/ashita-ai/kagami/internal/server"
	"github.com/ashita-ai/kagami/internal/service/assemble"
	"github.com/ashita-ai/kagami/internal/service/embedding"
	"github.com/ashita-ai/kagami/internal/service/guard"
	"github.com/ashita-ai/kagami/internal/service/resolve"
	"github.com/ashita-ai/kagami/internal/service/retrieval"
	"github.com/ashita-ai/kagami/internal/service/trace"
	"github.com/ashita-ai/kagami/internal/service/training"
	"github.com/ashita-ai/kagami/internal/service/turn"
	"github.com/ashita-ai/kagami/internal/storage"
	"github.com/ashita-ai/kagami/internal/telemetry"
	"github.com/ashita-ai/kagami/migrations"
)

// App is the Kagami server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg             config.Config
	db              *storage.DB
	srv             *server.Server
	buf             *trace.Buffer
	outbox          *search.OutboxWorker
	qdrantIndex     *search.QdrantIndex // nil when Qdrant is not configured
	broker          *server.Broker      // nil when no notify connection
	limiter         ratelimit.Limiter   // nil when rate limiting is disabled
	otelShutdown    func(context.Context) error
	escalationHooks []EscalationHook
	logger          *slog.Logger
	version         string
}

// New initialises the Kagami server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kagami starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, false)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run embedded migrations, then extra (embedder-supplied) migrations.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify critical tables exist after migration.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'twins')`,
	).Scan(&schemaOK); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("critical table 'twins' does not exist after migration — check that the pgvector extension is created")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Create embedding provider.
	embedder := embedding.NewFromConfig(cfg, logger)

	// Create generation provider — external override takes priority over
	// auto-detect.
	var genProvider generation.Provider
	if o.generationProvider != nil {
		genProvider = &generationAdapter{p: o.generationProvider}
	} else {
		genProvider = generation.NewFromConfig(cfg, logger)
	}

	// Initialize Qdrant search index and outbox worker.
	var searcher search.Searcher
	var qdrantIndex *search.QdrantIndex
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		var idxErr error
		qdrantIndex, idxErr = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if idxErr != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", idxErr)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL, vector tier uses pgvector only)")
	}

	// External Searcher override (replaces Qdrant for retrieval).
	if o.searcher != nil {
		searcher = &searcherAdapter{s: o.searcher}
	}

	// Trace WAL.
	var traceWAL *trace.WAL
	if cfg.WALDir != "" {
		if err := os.MkdirAll(cfg.WALDir, 0o750); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("trace WAL: create directory %s: %w", cfg.WALDir, err)
		}
		var walErr error
		traceWAL, walErr = trace.NewWAL(logger, trace.WALConfig{
			Dir:            cfg.WALDir,
			SyncMode:       cfg.WALSyncMode,
			SyncInterval:   cfg.WALSyncInterval,
			MaxSegmentSize: int64(cfg.WALSegmentSize),
			MaxSegmentRecs: cfg.WALSegmentRecords,
		})
		if walErr != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("trace WAL: %w", walErr)
		}
		logger.Info("write-ahead log", "enabled", true, "dir", cfg.WALDir, "sync_mode", cfg.WALSyncMode)
	} else {
		logger.Warn("write-ahead log", "enabled", false,
			"risk", "buffered traces will be lost on crash")
	}

	// Trace buffer and emitter.
	buf := trace.NewBuffer(db, logger, cfg.TraceBufferSize, cfg.TraceFlushInterval, traceWAL)
	emitter := trace.NewEmitter(db, buf, logger)

	// Tool invoker (external only; no invoker ships in OSS).
	var tools retrieval.ToolInvoker
	if o.toolInvoker != nil {
		tools = &toolInvokerAdapter{ti: o.toolInvoker}
	}

	// Wire the turn pipeline.
	resolver := resolve.New(db, logger)
	convGuard := guard.New(db, logger)
	trainingMgr := training.New(db, logger)
	retriever := retrieval.New(db, embedder, searcher, tools, retrieval.Thresholds{
		Verified: cfg.VerifiedThreshold,
		Vector:   cfg.VectorThreshold,
		Tool:     cfg.ToolThreshold,
		Clarify:  cfg.ClarifyThreshold,
	}, logger)
	assembler := assemble.New(genProvider, assemble.Tunables{
		VoiceJudgeRiskThreshold: cfg.VoiceJudgeRiskThreshold,
		VoiceJudgeSampleRate:    cfg.VoiceJudgeSampleRate,
		MaxRewritePasses:        cfg.MaxRewritePasses,
	}, logger)
	turnSvc := turn.New(db, resolver, convGuard, trainingMgr, retriever, assembler,
		emitter, embedder, cfg.GenerationTimeout, logger)

	// MCP server.
	mcpSrv := mcp.New(db, turnSvc, embedder, logger)

	// SSE broker.
	var broker *server.Broker
	if db.NotifyConn() != nil {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	// Adapt route registrars from public kagami.RouteRegistrar to internal
	// server format.
	var extraRoutes []func(*http.ServeMux, server.RoleMiddlewareFn)
	for _, fn := range o.routeRegistrars {
		fn := fn // capture
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, roleFn server.RoleMiddlewareFn) {
			fn(mux, &authHelperImpl{roleFn: roleFn})
		})
	}

	// Adapt middlewares from kagami.Middleware to func(http.Handler) http.Handler.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		mw := mw // capture
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	// Create HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		TurnSvc:             turnSvc,
		TrainingMgr:         trainingMgr,
		Buffer:              buf,
		Embedder:            embedder,
		Logger:              logger,
		Limiter:             limiter,
		Broker:              broker,
		Searcher:            searcher,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	// Seed the default tenant and admin owner.
	if err := srv.Handlers().SeedOwner(context.Background(), cfg.AdminAPIKey); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("owner seed: %w", err)
	}

	return &App{
		cfg:             cfg,
		db:              db,
		srv:             srv,
		buf:             buf,
		outbox:          outboxWorker,
		qdrantIndex:     qdrantIndex,
		broker:          broker,
		limiter:         limiter,
		otelShutdown:    otelShutdown,
		escalationHooks: o.escalationHooks,
		logger:          logger,
		version:         version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Start background services.
	a.buf.Start(ctx)
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	// Background goroutines.
	if len(a.escalationHooks) > 0 {
		go a.escalationHookLoop(ctx)
	}
	go a.idempotencyCleanupLoop(ctx)

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a three-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight turns,
// (2) flush the trace buffer to Postgres,
// (3) drain remaining outbox entries to Qdrant.
// It then closes the database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kagami shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: trace buffer drain.
	bufCtx, bufCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownBufferDrainTimeout)
	a.buf.Drain(bufCtx)
	if remaining := a.buf.Len(); remaining > 0 {
		a.logger.Error("trace buffer drain incomplete — unflushed traces will be lost",
			"remaining_traces", remaining,
			"configured_timeout", a.cfg.ShutdownBufferDrainTimeout,
		)
	}
	bufCancel()

	// Phase 3: outbox drain.
	if a.outbox != nil {
		outboxCtx, outboxCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownOutboxDrainTimeout)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	// Cleanup.
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("kagami stopped")
	return nil
}

// ── Background loops ───────────────────────────────────────────────────────────

// escalationHookLoop polls for new escalations and fires registered hooks.
// Polling (rather than sharing the broker's LISTEN connection) keeps hook
// delivery working when no notify connection is configured.
func (a *App) escalationHookLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.EscalationPollInterval)
	defer ticker.Stop()

	since := time.Now().UTC()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, a.cfg.EscalationPollInterval)
			escalations, err := a.db.ListEscalationsSince(opCtx, since, 1000)
			cancel()
			if err != nil {
				a.logger.Warn("escalation hook poll failed", "error", err)
				continue
			}

			for _, e := range escalations {
				if e.CreatedAt.After(since) {
					since = e.CreatedAt
				}

				esc := toPublicEscalation(e)
				hooks := a.escalationHooks
				logger := a.logger
				go func() {
					hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					for _, h := range hooks {
						if err := h.OnEscalationCreated(hookCtx, esc); err != nil {
							logger.Warn("escalation hook failed", "error", err, "escalation_id", esc.ID)
						}
					}
				}()
			}
		}
	}
}

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IdempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.CleanupIdempotencyKeys(opCtx, a.cfg.IdempotencyCompletedTTL, a.cfg.IdempotencyAbandonedTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// generationAdapter wraps a kagami.GenerationProvider to satisfy
// generation.Provider. Converts internal request types to public types at
// the boundary.
type generationAdapter struct {
	p GenerationProvider
}

func (a *generationAdapter) Complete(ctx context.Context, req generation.CompletionRequest) (string, error) {
	msgs := make([]Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = Message{Role: m.Role, Content: m.Content}
	}
	return a.p.Complete(ctx, CompletionRequest{
		System:      req.System,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
}

func (a *generationAdapter) Judge(ctx context.Context, req generation.JudgeRequest) (generation.Verdict, error) {
	v, err := a.p.Judge(ctx, JudgeRequest{
		Instructions: req.Instructions,
		Question:     req.Question,
		Candidate:    req.Candidate,
	})
	if err != nil {
		return generation.Verdict{}, err
	}
	return generation.Verdict{
		Pass:          v.Pass,
		Score:         v.Score,
		FailedClauses: v.FailedClauses,
		Reason:        v.Reason,
	}, nil
}

func (a *generationAdapter) Name() string { return a.p.Name() }

// searcherAdapter wraps a kagami.Searcher to satisfy search.Searcher.
// Converts between public SearchResult and internal search.Result.
type searcherAdapter struct {
	s Searcher
}

func (a *searcherAdapter) Search(ctx context.Context, tenantID, twinID uuid.UUID, embedding []float32, kinds []string, limit int) ([]search.Result, error) {
	results, err := a.s.Search(ctx, tenantID, twinID, embedding, kinds, limit)
	if err != nil {
		return nil, err
	}
	out := make([]search.Result, len(results))
	for i, r := range results {
		out[i] = search.Result{EntityID: r.EntityID, Kind: r.Kind, Score: r.Score}
	}
	return out, nil
}

func (a *searcherAdapter) Healthy(ctx context.Context) error {
	return a.s.Healthy(ctx)
}

// toolInvokerAdapter wraps a kagami.ToolInvoker to satisfy retrieval.ToolInvoker.
type toolInvokerAdapter struct {
	ti ToolInvoker
}

func (a *toolInvokerAdapter) Invoke(ctx context.Context, tool model.ToolRegistration, query string) (string, float32, error) {
	return a.ti.Invoke(ctx, toPublicTool(tool), query)
}

// authHelperImpl implements kagami.AuthHelper using an internal
// server.RoleMiddlewareFn. Constructed in the route registrar adapter
// closure; bridges the public interface to the internal RBAC middleware
// without importing server from embedder code.
type authHelperImpl struct {
	roleFn server.RoleMiddlewareFn
}

func (a *authHelperImpl) RequireRole(role Role) func(http.Handler) http.Handler {
	return a.roleFn(model.OwnerRole(role))
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicEscalation converts an internal model.Escalation to the public
// kagami.Escalation. Lives here because this is the only file that imports
// both sides of the boundary.
func toPublicEscalation(e model.Escalation) Escalation {
	return Escalation{
		ID:             e.ID,
		TenantID:       e.TenantID,
		TwinID:         e.TwinID,
		ConversationID: e.ConversationID,
		Question:       e.Question,
		DraftAnswer:    e.DraftAnswer,
		Confidence:     e.Confidence,
		Status:         string(e.Status),
		CreatedAt:      e.CreatedAt,
	}
}

// toPublicTool converts an internal model.ToolRegistration to the public
// kagami.Tool.
func toPublicTool(t model.ToolRegistration) Tool {
	return Tool{
		ID:             t.ID,
		TenantID:       t.TenantID,
		TwinID:         t.TwinID,
		Name:           t.Name,
		Description:    t.Description,
		IntentKeywords: t.IntentKeywords,
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
