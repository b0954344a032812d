package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ocx/inference-gateway/internal/core"
)

type contextKey int

const principalKey contextKey = iota

// principalFrom returns the resolved principal, set by the auth
// middleware for every protected route.
func principalFrom(ctx context.Context) *core.Principal {
	p, _ := ctx.Value(principalKey).(*core.Principal)
	return p
}

// openPaths are served without a credential.
func openPath(path string) bool {
	switch path {
	case "/health", "/metrics", "/api/v1/system/compliance":
		return true
	}
	return strings.HasPrefix(path, "/api/v1/auth/")
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 200*time.Millisecond)
		principal, err := s.resolver.Resolve(ctx, r.Header.Get("Authorization"))
		cancel()
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
	})
}

// statusRecorder captures the status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogger logs method, path, status, and duration. Never bodies,
// never headers, never query strings that could carry content.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// requirePrincipal guards handlers that must never run unauthenticated,
// as a second line behind the middleware.
func requirePrincipal(w http.ResponseWriter, r *http.Request) *core.Principal {
	p := principalFrom(r.Context())
	if p == nil {
		writeError(w, core.NewError(core.KindAuthMissing, "Not authenticated."))
		return nil
	}
	return p
}
