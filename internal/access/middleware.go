// internal/access/middleware.go
package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	actorKey contextKey = "actor"
	tokenKey contextKey = "token"
)

// Claims is the access-token payload issued by the backend of record.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"rol"`
}

// TokenVerifier resolves bearer tokens into actors.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates an HS256 token and returns the actor it names.
func (v *TokenVerifier) Verify(token string) (Actor, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Actor{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return Actor{}, errors.New("token has no subject")
	}
	return Actor{ID: claims.Subject, Role: ParseRole(claims.Role)}, nil
}

// Middleware rejects requests without a valid bearer token and stores the actor and
// the raw token in the request context.
func (v *TokenVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")

		actor, err := v.Verify(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := WithActor(r.Context(), actor)
		ctx = WithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// WithToken returns a copy of ctx carrying the raw bearer token.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// ActorFrom returns the actor stored by Middleware.
func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// TokenFrom returns the raw bearer token stored by Middleware.
func TokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}
