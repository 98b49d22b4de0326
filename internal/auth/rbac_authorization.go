package auth

import (
	"context"
	"log/slog"
	"net/http"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/transport"
)

var (
	errNoOperator = errors.NewUnauthorizedError("Authentication required", errors.ErrCodeInvalidToken)
	errForbidden  = errors.NewForbiddenError("Insufficient permissions", errors.ErrCodeInsufficientPerms)
)

type PermissionAuthorizer interface {
	HasPermission(ctx context.Context, userPermissions []string, permission string) (bool, error)
}

type RBACAuthorization struct {
	*transport.BaseHandler
	authorizer PermissionAuthorizer
}

func NewRBACAuthorization(authorizer PermissionAuthorizer, logger *slog.Logger) *RBACAuthorization {
	return &RBACAuthorization{
		BaseHandler: transport.NewBaseHandler(logger),
		authorizer:  authorizer,
	}
}

func (ra *RBACAuthorization) Check(next http.HandlerFunc, permission string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			ra.Logger.Warn("authorization check failed: operator not found in context")
			ra.HandleError(w, errNoOperator)
			return
		}

		hasAccess, err := ra.authorizer.HasPermission(r.Context(), user.Permissions, permission)
		if err != nil {
			ra.Logger.ErrorContext(r.Context(), "authorization check failed", "error", err, "user_id", user.ID, "permission", permission)
			ra.HandleError(w, err)
			return
		}

		if !hasAccess {
			ra.Logger.WarnContext(r.Context(), "access denied: insufficient permissions",
				"user_id", user.ID,
				"required_permission", permission,
				"user_permissions", user.Permissions)
			ra.HandleError(w, errForbidden)
			return
		}

		next.ServeHTTP(w, r)
	}
}

func (ra *RBACAuthorization) Middleware(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return ra.Check(next.ServeHTTP, permission)
	}
}

func (ra *RBACAuthorization) RequireInitiatePayment() func(http.Handler) http.Handler {
	return ra.Middleware(PermissionInitiatePayments)
}

func (ra *RBACAuthorization) RequireViewPayments() func(http.Handler) http.Handler {
	return ra.Middleware(PermissionViewPayments)
}

func (ra *RBACAuthorization) RequireRefundPayment() func(http.Handler) http.Handler {
	return ra.Middleware(PermissionRefundPayments)
}

func (ra *RBACAuthorization) RequireViewAnalytics() func(http.Handler) http.Handler {
	return ra.Middleware(PermissionViewAnalytics)
}

func (ra *RBACAuthorization) RequireAdmin() func(http.Handler) http.Handler {
	return ra.Middleware(PermissionAdmin)
}
