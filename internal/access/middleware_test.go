package access

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, subject, role string, expires time.Time) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Role: role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestMiddleware(t *testing.T) {
	verifier := NewTokenVerifier(testSecret)

	var gotActor Actor
	var gotToken string
	handler := verifier.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor, _ = ActorFrom(r.Context())
		gotToken = TokenFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token", func(t *testing.T) {
		token := signToken(t, testSecret, "user-1", "bibliotecario", time.Now().Add(time.Hour))
		req := httptest.NewRequest(http.MethodGet, "/loans", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, Actor{ID: "user-1", Role: RoleStaff}, gotActor)
		assert.Equal(t, token, gotToken)
	})

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/loans", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signToken(t, "other-secret", "user-1", "lector", time.Now().Add(time.Hour))
		req := httptest.NewRequest(http.MethodGet, "/loans", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signToken(t, testSecret, "user-1", "lector", time.Now().Add(-time.Hour))
		req := httptest.NewRequest(http.MethodGet, "/loans", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestVerifyUnknownRoleFailsClosed(t *testing.T) {
	verifier := NewTokenVerifier(testSecret)
	actor, err := verifier.Verify(signToken(t, testSecret, "user-9", "root", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, RoleUnknown, actor.Role)
	assert.False(t, CanPerform(actor.Role, OpBrowseCatalog))
}
