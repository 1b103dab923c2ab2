package auth

import (
	"net/http"

	"github.com/example/lms-platform/internal/platform/api"
	"github.com/example/lms-platform/internal/platform/httpserver"
)

// RequireAdmin must run after RequireUser. Non-admins get 403 FORBIDDEN.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r.Context()) {
			api.Forbidden(w, "FORBIDDEN", "admin role required", httpserver.RequestIDFromContext(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}
