package auth

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Headers set by the upstream gateway
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	RoleAdmin      = "admin"
)

// Identity is the caller on whose behalf the gateway forwards a request
type Identity struct {
	UserID string
	Admin  bool
}

// WithIdentity stores the caller in ctx
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext extracts the caller from ctx
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

// Middleware authenticates the gateway with a bearer API key and injects the
// caller identity. With no keys registered the key check is skipped, the
// identity headers are still required.
func Middleware(keys *KeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keys != nil && keys.Len() > 0 {
				token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
				if _, err := keys.Validate(token); err != nil {
					log.Printf("[Auth] Rejected request from %s: %v", r.RemoteAddr, err)
					writeJSONError(w, http.StatusUnauthorized, "unauthorized")
					return
				}
			}

			userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if userID == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing user identity")
				return
			}
			id := Identity{
				UserID: userID,
				Admin:  strings.EqualFold(r.Header.Get(HeaderUserRole), RoleAdmin),
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin rejects callers that are not privileged
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "missing user identity")
			return
		}
		if !id.Admin {
			writeJSONError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
