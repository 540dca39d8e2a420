package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestKeyStore(t *testing.T) {
	ks := NewKeyStore(bcrypt.MinCost)
	require.NoError(t, ks.Add("gateway", "s3cret"))
	assert.ErrorIs(t, ks.Add("gateway", "other"), ErrDuplicateKey)
	assert.ErrorIs(t, ks.Add("empty", ""), ErrInvalidKey)

	name, err := ks.Validate("s3cret")
	require.NoError(t, err)
	assert.Equal(t, "gateway", name)

	// Second validation hits the verified cache
	name, err = ks.Validate("s3cret")
	require.NoError(t, err)
	assert.Equal(t, "gateway", name)

	_, err = ks.Validate("wrong")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = ks.Validate("")
	assert.ErrorIs(t, err, ErrInvalidKey)

	generated, err := ks.Generate("cli")
	require.NoError(t, err)
	assert.Len(t, generated, 44)
	assert.Equal(t, []string{"cli", "gateway"}, ks.Names())

	_, err = ks.Generate("")
	assert.ErrorIs(t, err, ErrInvalidKey)

	require.NoError(t, ks.Revoke("gateway"))
	_, err = ks.Validate("s3cret")
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.Equal(t, 1, ks.Len())

	assert.ErrorIs(t, ks.Revoke("gateway"), ErrKeyNotFound)
	assert.ErrorIs(t, ks.Revoke("cli"), ErrLastKey)
	name, err = ks.Validate(generated)
	require.NoError(t, err)
	assert.Equal(t, "cli", name)
}

func identityHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Seen-User", id.UserID)
		if id.Admin {
			w.Header().Set("X-Seen-Admin", "yes")
		}
	})
}

func TestMiddleware(t *testing.T) {
	ks := NewKeyStore(bcrypt.MinCost)
	require.NoError(t, ks.Add("gateway", "s3cret"))
	h := Middleware(ks)(identityHandler())

	tests := []struct {
		name   string
		auth   string
		user   string
		role   string
		status int
		admin  bool
	}{
		{"missing key", "", "alice", "", http.StatusUnauthorized, false},
		{"wrong key", "Bearer nope", "alice", "", http.StatusUnauthorized, false},
		{"missing user", "Bearer s3cret", "", "", http.StatusUnauthorized, false},
		{"user", "Bearer s3cret", "alice", "", http.StatusOK, false},
		{"admin", "Bearer s3cret", "root", "Admin", http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/queue", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			if tt.user != "" {
				req.Header.Set(HeaderUserID, tt.user)
			}
			if tt.role != "" {
				req.Header.Set(HeaderUserRole, tt.role)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.Equal(t, tt.status, rr.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.user, rr.Header().Get("X-Seen-User"))
				assert.Equal(t, tt.admin, rr.Header().Get("X-Seen-Admin") == "yes")
			}
		})
	}
}

func TestMiddlewareWithoutKeys(t *testing.T) {
	h := Middleware(NewKeyStore(0))(identityHandler())

	req := httptest.NewRequest(http.MethodGet, "/queue", nil)
	req.Header.Set(HeaderUserID, "alice")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRequireAdmin(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Middleware(nil)(RequireAdmin(ok))

	req := httptest.NewRequest(http.MethodPost, "/queue/process", nil)
	req.Header.Set(HeaderUserID, "alice")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req.Header.Set(HeaderUserRole, RoleAdmin)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	RequireAdmin(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
