package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kagami/api"
	"github.com/ashita-ai/kagami/internal/auth"
	"github.com/ashita-ai/kagami/internal/config"
	"github.com/ashita-ai/kagami/internal/generation"
	"github.com/ashita-ai/kagami/internal/mcp"
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

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KAGAMI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kagami starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, false)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// Register connection pool OTEL metrics (after telemetry.Init).
	db.RegisterPoolMetrics()

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate real
	// failures.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Verify critical tables exist after migration. If the pgvector extension
	// failed to create, later migrations fail silently and the server starts
	// with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'twins')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		return fmt.Errorf("critical table 'twins' does not exist after migration — check that the pgvector extension is created")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Create embedding and generation providers.
	embedder := embedding.NewFromConfig(cfg, logger)
	genProvider := generation.NewFromConfig(cfg, logger)

	// Initialize Qdrant index and outbox worker (optional — disabled if QDRANT_URL is empty).
	var searcher search.Searcher
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}

		searcher = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		outboxWorker.Start(ctx)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL, vector tier uses pgvector only)")
	}

	// Create the trace WAL (optional) and buffer.
	var wal *trace.WAL
	if cfg.WALDir != "" {
		wal, err = trace.NewWAL(logger, trace.WALConfig{
			Dir:            cfg.WALDir,
			SyncMode:       cfg.WALSyncMode,
			SyncInterval:   cfg.WALSyncInterval,
			MaxSegmentSize: int64(cfg.WALSegmentSize),
			MaxSegmentRecs: cfg.WALSegmentRecords,
		})
		if err != nil {
			return fmt.Errorf("trace wal: %w", err)
		}
	}
	buf := trace.NewBuffer(db, logger, cfg.TraceBufferSize, cfg.TraceFlushInterval, wal)
	buf.Start(ctx)
	emitter := trace.NewEmitter(db, buf, logger)

	// Wire the turn pipeline.
	resolver := resolve.New(db, logger)
	convGuard := guard.New(db, logger)
	trainingMgr := training.New(db, logger)
	retriever := retrieval.New(db, embedder, searcher, nil, retrieval.Thresholds{
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

	// Create MCP server.
	mcpSrv := mcp.New(db, turnSvc, embedder, logger)

	// Create SSE broker (requires LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.NotifyConn() != nil {
		broker = server.NewBroker(db, logger)
		go broker.Start(ctx)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// Create rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		memLimiter := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = memLimiter.Close() }()
		limiter = memLimiter
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	// Create and start HTTP server (MCP mounted at /mcp).
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
	})

	// Seed the default tenant and admin owner.
	if err := srv.Handlers().SeedOwner(ctx, cfg.AdminAPIKey); err != nil {
		slog.Warn("owner seed failed", "error", err)
	}

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight turns (they may still append traces),
	// (2) flush the trace buffer to Postgres, (3) sync remaining outbox
	// entries to Qdrant.
	slog.Info("kagami shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	bufCtx, bufCancel := context.WithTimeout(context.Background(), 10*time.Second)
	buf.Drain(bufCtx)
	bufCancel()

	if outboxWorker != nil {
		outboxCtx, outboxCancel := context.WithTimeout(context.Background(), 10*time.Second)
		outboxWorker.Drain(outboxCtx)
		outboxCancel()
	}

	slog.Info("kagami stopped")
	return nil
}
