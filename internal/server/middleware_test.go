package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kagami/internal/auth"
	"github.com/ashita-ai/kagami/internal/ctxutil"
	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/ratelimit"
)

func TestPublicPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/openapi.yaml", true},
		{"/auth/token", true},
		{"/v1/widget/3f2a1b4c-0000-0000-0000-000000000000/chat", true},
		{"/v1/share/sometoken/chat", true},
		{"/v1/twins/3f2a1b4c-0000-0000-0000-000000000000/chat", true},
		{"/v1/twins/3f2a1b4c-0000-0000-0000-000000000000/training/start", false},
		{"/v1/twins/3f2a1b4c-0000-0000-0000-000000000000/share-links", false},
		{"/v1/twins//chat", false},
		{"/v1/escalations", false},
		{"/v1/subscribe", false},
		{"/mcp", false},
	}
	for _, tt := range tests {
		if got := publicPath(tt.path); got != tt.want {
			t.Errorf("publicPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := requestIDMiddleware(inner)

	// Generated when absent.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if seen == "" {
		t.Error("expected a generated request ID in context")
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Errorf("response header %q does not match context ID %q", rec.Header().Get("X-Request-ID"), seen)
	}

	// Propagated when the client supplies one.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	handler.ServeHTTP(rec, req)
	if seen != "client-supplied" {
		t.Errorf("got request ID %q, want %q", seen, "client-supplied")
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}

	owner := model.Owner{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Email:    "owner@example.com",
		Role:     model.RoleOwner,
	}
	token, _, err := jwtMgr.IssueToken(owner)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	var gotClaims *auth.Claims
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := authMiddleware(jwtMgr, inner)

	t.Run("missing header on protected path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/escalations", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("got %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("missing header on public path", func(t *testing.T) {
		gotClaims = nil
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("got %d, want %d", rec.Code, http.StatusOK)
		}
		if gotClaims != nil {
			t.Error("public request without token should carry no claims")
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/escalations", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("got %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("invalid token on protected path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/escalations", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("got %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("invalid token on public path passes through", func(t *testing.T) {
		gotClaims = nil
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/widget/"+uuid.New().String()+"/chat", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("got %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("valid token populates claims", func(t *testing.T) {
		gotClaims = nil
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/escalations", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("got %d, want %d", rec.Code, http.StatusOK)
		}
		if gotClaims == nil {
			t.Fatal("expected claims in context")
		}
		if gotClaims.OwnerID != owner.ID || gotClaims.TenantID != owner.TenantID {
			t.Errorf("claims carry owner %s tenant %s, want %s / %s",
				gotClaims.OwnerID, gotClaims.TenantID, owner.ID, owner.TenantID)
		}
	})
}

func TestRequireOwner(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := requireOwner(model.RoleOwnerAdmin)(inner)

	t.Run("no claims", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/escalations", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("got %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("insufficient role", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/escalations", nil)
		claims := &auth.Claims{OwnerID: uuid.New(), TenantID: uuid.New(), Role: model.RoleOwner}
		req = req.WithContext(ctxutil.WithClaims(req.Context(), claims))
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("got %d, want %d", rec.Code, http.StatusForbidden)
		}
	})

	t.Run("sufficient role", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/escalations", nil)
		claims := &auth.Claims{OwnerID: uuid.New(), TenantID: uuid.New(), Role: model.RoleOwnerAdmin}
		req = req.WithContext(ctxutil.WithClaims(req.Context(), claims))
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("got %d, want %d", rec.Code, http.StatusOK)
		}
	})
}

func TestOwnerKeyFunc(t *testing.T) {
	ownerID := uuid.New()

	t.Run("unauthenticated falls back to IP", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/twins/x/chat", nil)
		req.RemoteAddr = "10.0.0.1:4567"
		if got := ownerKeyFunc(req); got != "10.0.0.1" {
			t.Errorf("got %q, want %q", got, "10.0.0.1")
		}
	})

	t.Run("owner keyed by ID", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/twins/x/chat", nil)
		claims := &auth.Claims{OwnerID: ownerID, Role: model.RoleOwner}
		req = req.WithContext(ctxutil.WithClaims(req.Context(), claims))
		if got := ownerKeyFunc(req); got != ownerID.String() {
			t.Errorf("got %q, want %q", got, ownerID)
		}
	})

	t.Run("admin exempt", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/twins/x/chat", nil)
		claims := &auth.Claims{OwnerID: ownerID, Role: model.RoleOwnerAdmin}
		req = req.WithContext(ctxutil.WithClaims(req.Context(), claims))
		if got := ownerKeyFunc(req); got != "" {
			t.Errorf("got %q, want empty key (exempt)", got)
		}
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	// MemoryLimiter with rate=1 token/sec and burst=2 allows the first 2 rapid
	// requests (initial burst capacity) then rejects until tokens refill.
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	defer func() { _ = limiter.Close() }()

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	reqIDFunc := func(r *http.Request) string { return RequestIDFromContext(r.Context()) }
	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, reqIDFunc)(inner)

	for i := range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/widget/x/chat", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		handler.ServeHTTP(rec, req)

		if i < 2 {
			if rec.Code != http.StatusOK {
				t.Errorf("request %d: got status %d, want %d (within burst)", i+1, rec.Code, http.StatusOK)
			}
		} else {
			if rec.Code != http.StatusTooManyRequests {
				t.Errorf("request %d: got status %d, want %d (burst exhausted)", i+1, rec.Code, http.StatusTooManyRequests)
			}
			if rec.Header().Get("Retry-After") == "" {
				t.Error("rate-limited response should include Retry-After header")
			}
		}
	}
}

func TestDecodeJSONBounds(t *testing.T) {
	type payload struct {
		Message string `json:"message"`
	}

	t.Run("rejects oversized body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		body := `{"message":"` + strings.Repeat("a", 100) + `"}`
		req := httptest.NewRequest("POST", "/v1/twins/x/chat", strings.NewReader(body))
		var p payload
		err := decodeJSON(rec, req, &p, 16)
		if err == nil {
			t.Fatal("expected error for oversized body")
		}
		handleDecodeError(rec, req, err)
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("got %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
		}
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/twins/x/chat", strings.NewReader(`{"message":"hi","bogus":1}`))
		var p payload
		err := decodeJSON(rec, req, &p, 1024)
		if err == nil {
			t.Fatal("expected error for unknown field")
		}
		handleDecodeError(rec, req, err)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("got %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("accepts valid body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/twins/x/chat", strings.NewReader(`{"message":"hi"}`))
		var p payload
		if err := decodeJSON(rec, req, &p, 1024); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.Message != "hi" {
			t.Errorf("got %q, want %q", p.Message, "hi")
		}
	})
}
