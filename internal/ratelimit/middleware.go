package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ashita-ai/kagami/internal/model"
)

// KeyFunc derives the limit key from a request. An empty key exempts the
// request from limiting.
type KeyFunc func(r *http.Request) string

// RequestIDFunc reads the request ID middleware's value without this package
// importing the server package.
type RequestIDFunc func(r *http.Request) string

// Middleware enforces limiter over the wrapped handler. Limiter failures
// admit the request: a broken limiter must not take the chat surface down
// with it.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), key)
			switch {
			case err != nil:
				slog.Warn("ratelimit: limiter error, admitting request", "error", err)
			case !allowed:
				var requestID string
				if reqIDFunc != nil {
					requestID = reqIDFunc(r)
				}
				reject(w, requestID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, requestID string) {
	w.Header().Set("Retry-After", "1")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys on the connection's remote IP. X-Forwarded-For is ignored
// on purpose: anyone can set it, and kagami cannot assume a sanitizing proxy
// sits in front. Deployments behind a trusted proxy should have the proxy
// rewrite RemoteAddr instead.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
