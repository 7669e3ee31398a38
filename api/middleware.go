package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/corvidchat/corvid/auth"
	"github.com/corvidchat/corvid/globals"
	"github.com/corvidchat/corvid/types"
)

type contextKey int

const userContextKey contextKey = iota

// Authenticated wraps a handler with bearer-token authentication. The
// resolved user is placed on the request context.
func (h *Handler) Authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userId, err := auth.VerifyToken(strings.TrimPrefix(header, "Bearer "), h.Cfg)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		user, err := h.Persister.GetUser(userId)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unknown user")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	}
}

// requestUser returns the authenticated user placed on the context by
// Authenticated. Only call from wrapped handlers.
func requestUser(r *http.Request) *types.User {
	return r.Context().Value(userContextKey).(*types.User)
}

// Logging logs one line per request.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		globals.AppLogger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
