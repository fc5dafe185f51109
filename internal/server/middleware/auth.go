package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// UserHeader carries the authenticated end user. The API key identifies the
// calling backend; this header names the user it is acting for.
const UserHeader = "X-User-ID"

type ctxKey int

const userKey ctxKey = iota

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// UserID returns the user attached by Auth, or "".
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

// Auth validates requests with a Bearer token or an X-API-Key header and
// attaches the X-User-ID header to the request context. If apiKey is empty
// the key check is disabled. Paths in public skip the key check.
func Auth(apiKey string, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" && !open[r.URL.Path] {
				token := extractToken(r)
				if token == "" {
					writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
					return
				}
				if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
					writeJSONError(w, http.StatusUnauthorized, "invalid authentication token")
					return
				}
			}

			user := strings.TrimSpace(r.Header.Get(UserHeader))
			if user == "" {
				next.ServeHTTP(w, r)
				return
			}
			inner := r.WithContext(WithUserID(r.Context(), user))
			next.ServeHTTP(w, inner)
			// Surface the matched route to outer middleware.
			r.Pattern = inner.Pattern
		})
	}
}

// AdminOnly rejects every request when no API key is configured, so operator
// endpoints are never reachable on an unauthenticated server.
func AdminOnly(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				writeJSONError(w, http.StatusForbidden, "admin endpoints require an API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
