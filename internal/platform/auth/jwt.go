// Package auth verifies host-issued HS256 tokens. The subject is the numeric host user id.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/example/lms-platform/internal/platform/api"
	"github.com/example/lms-platform/internal/platform/httpserver"
)

type ctxKeyLearnerID struct{}
type ctxKeyRole struct{}

const RoleAdmin = "admin"

func LearnerIDFromContext(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(ctxKeyLearnerID{}).(int64)
	return v, ok && v > 0
}

// WithLearnerID injects the learner id into context. Useful for testing.
func WithLearnerID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, ctxKeyLearnerID{}, id)
}

func RoleFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyRole{}).(string)
	return v, ok
}

// WithRole injects a role into context. Useful for testing.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, ctxKeyRole{}, role)
}

func IsAdmin(ctx context.Context) bool {
	role, _ := RoleFromContext(ctx)
	return strings.EqualFold(strings.TrimSpace(role), RoleAdmin)
}

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// LearnerID parses the subject as a host user id.
func (c *Claims) LearnerID() (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Subject), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("subject is not a learner id")
	}
	return id, nil
}

type JWTVerifier struct {
	Secret []byte
}

func (v JWTVerifier) Parse(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return v.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Authenticate parses a raw "Bearer <token>" value and returns the learner id and role.
func (v JWTVerifier) Authenticate(authorization string) (int64, string, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return 0, "", errors.New("missing bearer token")
	}
	claims, err := v.Parse(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, "", err
	}
	id, err := claims.LearnerID()
	if err != nil {
		return 0, "", err
	}
	return id, strings.TrimSpace(claims.Role), nil
}

// RequireUser middleware validates the Bearer token and injects the learner id into context.
func RequireUser(verifier JWTVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, role, err := verifier.Authenticate(r.Header.Get("Authorization"))
			if err != nil {
				api.Unauthorized(w, "UNAUTHORIZED", "valid bearer token required", httpserver.RequestIDFromContext(r.Context()))
				return
			}
			ctx := WithLearnerID(r.Context(), id)
			if role != "" {
				ctx = WithRole(ctx, role)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
