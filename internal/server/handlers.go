package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/kagami/internal/auth"
	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/search"
	"github.com/ashita-ai/kagami/internal/service/embedding"
	"github.com/ashita-ai/kagami/internal/service/trace"
	"github.com/ashita-ai/kagami/internal/service/training"
	"github.com/ashita-ai/kagami/internal/service/turn"
	"github.com/ashita-ai/kagami/internal/storage"
)

// TurnService runs one chat turn end to end, streaming frames through emit.
// *turn.Service is the production implementation.
type TurnService interface {
	SubmitTurn(ctx context.Context, req turn.Request, emit turn.Emit) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	turnSvc             TurnService
	trainingMgr         *training.Manager
	buffer              *trace.Buffer
	broker              *Broker
	searcher            search.Searcher
	embedder            embedding.Provider
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Searcher, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	TurnSvc             TurnService
	TrainingMgr         *training.Manager
	Buffer              *trace.Buffer
	Broker              *Broker
	Searcher            search.Searcher
	Embedder            embedding.Provider
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		turnSvc:             d.TurnSvc,
		trainingMgr:         d.TrainingMgr,
		buffer:              d.Buffer,
		broker:              d.Broker,
		searcher:            d.Searcher,
		embedder:            d.Embedder,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token. Owners authenticate with email
// plus API key; the comparison runs against every owner row for that email
// so tenant membership never leaks through timing.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateEmail(req.Email); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	owners, err := h.db.GetOwnersByEmailGlobal(r.Context(), req.Email)
	if err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	var matched *model.Owner
	verified := false
	for i := range owners {
		o := &owners[i]
		if o.APIKeyHash == nil {
			continue
		}
		valid, verr := auth.VerifyAPIKey(req.APIKey, *o.APIKeyHash)
		verified = true
		if verr != nil || !valid {
			continue
		}
		matched = o
		break
	}
	if !verified {
		auth.DummyVerify()
	}
	if matched == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(*matched)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.recordAuditBestEffort(r, matched.TenantID, matched.ID, "token_issued", "auth_token", matched.ID.String(),
		map[string]any{"ip": r.RemoteAddr, "token_exp": expiresAt})

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleSubscribe handles GET /v1/subscribe (SSE escalation feed).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Lift the server WriteTimeout for this long-lived connection; idle SSE
	// streams would otherwise be killed at the deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	claims := ClaimsFromContext(r.Context())
	ch := h.broker.Subscribe(claims.TenantID)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.buffer != nil {
		resp.TraceBuffer = h.buffer.Len()
	}
	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
			if status == "healthy" {
				status = "degraded"
				resp.Status = status
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// SeedOwner bootstraps the initial tenant and admin owner when the owners
// table is empty.
func (h *Handlers) SeedOwner(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		h.logger.Info("no admin API key configured, skipping owner seed")
		return nil
	}

	owners, err := h.db.GetOwnersByEmailGlobal(ctx, "admin@localhost")
	if err == nil && len(owners) > 0 {
		h.logger.Info("seed owner already exists, skipping")
		return nil
	}

	tenant, err := h.db.CreateTenant(ctx, model.Tenant{
		ID:   uuid.New(),
		Name: "Default",
		Slug: "default",
	})
	if err != nil {
		return fmt.Errorf("seed owner: create tenant: %w", err)
	}

	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return fmt.Errorf("seed owner: hash key: %w", err)
	}
	_, err = h.db.CreateOwner(ctx, model.Owner{
		ID:         uuid.New(),
		TenantID:   tenant.ID,
		Email:      "admin@localhost",
		Name:       "Admin",
		Role:       model.RoleOwnerAdmin,
		APIKeyHash: &hash,
	})
	if err != nil {
		return fmt.Errorf("seed owner: create owner: %w", err)
	}

	h.logger.Info("seeded initial owner", "tenant_id", tenant.ID)
	return nil
}

// --- Shared helpers ---

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

func queryUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	const maxQueryOffset = 100_000
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a limit value from query params, clamped to
// [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
