package middleware

import (
	"log/slog"
	"net/http"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/auth"
	"github.com/frahmantamala/mobile-money/internal/transport"
)

// RequirePermissions lets the request through when the operator holds any of
// the listed permissions. Admins always pass.
func RequirePermissions(logger *slog.Logger, permissions ...string) func(http.Handler) http.Handler {
	base := transport.NewBaseHandler(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := auth.UserFromContext(r.Context())
			if !ok {
				base.HandleError(w, errors.NewUnauthorizedError("Authentication required", errors.ErrCodeInvalidToken))
				return
			}

			if !user.HasAnyPermission(permissions) {
				logger.Warn("access denied: operator lacks required permissions",
					"user_id", user.ID,
					"required_permissions", permissions,
					"user_permissions", user.Permissions)
				base.HandleError(w, errors.NewForbiddenError("Insufficient permissions", errors.ErrCodeInsufficientPerms))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
