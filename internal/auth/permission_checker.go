package auth

import "context"

type PermissionChecker interface {
	HasPermission(ctx context.Context, userPermissions []string, permission string) (bool, error)
	CanInitiatePayments(userPermissions []string) bool
	CanViewPayments(userPermissions []string) bool
	CanRefundPayments(userPermissions []string) bool
	CanViewAnalytics(userPermissions []string) bool
	HasAnyPermission(userPermissions []string, requiredPermissions []string) bool
	IsAdmin(userPermissions []string) bool
}

type DefaultPermissionChecker struct{}

func NewPermissionChecker() PermissionChecker {
	return &DefaultPermissionChecker{}
}

// HasPermission treats admin as holding every permission.
func (c *DefaultPermissionChecker) HasPermission(ctx context.Context, userPermissions []string, permission string) (bool, error) {
	return c.HasAnyPermission(userPermissions, []string{permission, PermissionAdmin}), nil
}

func (c *DefaultPermissionChecker) CanInitiatePayments(userPermissions []string) bool {
	return c.HasAnyPermission(userPermissions, []string{PermissionInitiatePayments, PermissionAdmin})
}

func (c *DefaultPermissionChecker) CanViewPayments(userPermissions []string) bool {
	return c.HasAnyPermission(userPermissions, []string{PermissionViewPayments, PermissionAdmin})
}

func (c *DefaultPermissionChecker) CanRefundPayments(userPermissions []string) bool {
	return c.HasAnyPermission(userPermissions, []string{PermissionRefundPayments, PermissionAdmin})
}

func (c *DefaultPermissionChecker) CanViewAnalytics(userPermissions []string) bool {
	return c.HasAnyPermission(userPermissions, []string{PermissionViewAnalytics, PermissionAdmin})
}

func (c *DefaultPermissionChecker) HasAnyPermission(userPermissions []string, requiredPermissions []string) bool {
	for _, userPerm := range userPermissions {
		for _, requiredPerm := range requiredPermissions {
			if userPerm == requiredPerm {
				return true
			}
		}
	}
	return false
}

func (c *DefaultPermissionChecker) IsAdmin(userPermissions []string) bool {
	return c.HasAnyPermission(userPermissions, []string{PermissionAdmin})
}
