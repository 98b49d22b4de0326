package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

const (
	PermissionInitiatePayments = "initiate_payments"
	PermissionViewPayments     = "view_payments"
	PermissionRefundPayments   = "refund_payments"
	PermissionViewAnalytics    = "view_analytics"
	PermissionAdmin            = "admin"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

type ctxKey string

const ContextUserKey ctxKey = "operator"

// User is the authenticated operator attached to a request.
type User struct {
	ID          int64    `json:"id"`
	Email       string   `json:"email"`
	Name        string   `json:"name,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func (u *User) HasPermission(permission string) bool {
	return u.HasAnyPermission([]string{permission})
}

// HasAnyPermission is true for admins regardless of the list.
func (u *User) HasAnyPermission(permissions []string) bool {
	if u == nil {
		return false
	}
	for _, have := range u.Permissions {
		if have == PermissionAdmin {
			return true
		}
		for _, want := range permissions {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (u *User) IsAdmin() bool {
	if u == nil {
		return false
	}
	for _, p := range u.Permissions {
		if p == PermissionAdmin {
			return true
		}
	}
	return false
}

func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(ContextUserKey).(*User)
	return u, ok && u != nil
}

func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, ContextUserKey, u)
}

// TokenGenerator issues and verifies signed operator tokens.
type TokenGenerator interface {
	GenerateAccessToken(userID string, email string) (token string, err error)
	GenerateRefreshToken(userID string, email string) (token string, err error)
	ValidateToken(tokenString string) (*Claims, error)
}

type ServiceAPI interface {
	Authenticate(ctx context.Context, dto LoginDTO) (AuthTokens, error)
	RefreshTokens(ctx context.Context, refreshToken string) (AuthTokens, error)
	ValidateAccessToken(tokenString string) (*Claims, error)
	GetUserWithPermissions(ctx context.Context, userID int64) (*User, error)
}

type AuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Claims represents JWT token claims
type Claims struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}
