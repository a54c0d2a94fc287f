package domain

import "context"

// AuthRole is the role a gateway token is granted.
type AuthRole string

const (
	AuthRoleAdmin    AuthRole = "admin"
	AuthRoleOperator AuthRole = "operator"
	AuthRoleViewer   AuthRole = "viewer"
)

// AllAuthRoles lists every valid role.
var AllAuthRoles = []AuthRole{AuthRoleAdmin, AuthRoleOperator, AuthRoleViewer}

// Permission is one action a gateway client may be allowed to take.
type Permission string

const (
	PermDirectoryView   Permission = "directory:view"
	PermDirectoryChange Permission = "directory:change"
	PermCommandExecute  Permission = "command:execute"
	PermTabView         Permission = "tab:view"
	PermTabManage       Permission = "tab:manage"
)

// RolePermissions maps each role to its granted permissions.
// Operators use existing tabs but cannot open or close them; viewers only
// read.
var RolePermissions = map[AuthRole][]Permission{
	AuthRoleAdmin: {
		PermDirectoryView, PermDirectoryChange,
		PermCommandExecute,
		PermTabView, PermTabManage,
	},
	AuthRoleOperator: {
		PermDirectoryView, PermDirectoryChange,
		PermCommandExecute,
		PermTabView,
	},
	AuthRoleViewer: {
		PermDirectoryView,
		PermTabView,
	},
}

// Authorizer checks whether the caller has a specific permission.
type Authorizer interface {
	Authorize(ctx context.Context, roles []AuthRole, perm Permission) error
}

const rolesCtxKey ctxKey = "roles"

// ContextWithRoles returns a new context carrying the given roles.
func ContextWithRoles(ctx context.Context, roles []AuthRole) context.Context {
	return context.WithValue(ctx, rolesCtxKey, roles)
}

// RolesFromContext extracts roles from the context.
// Returns nil if not set.
func RolesFromContext(ctx context.Context) []AuthRole {
	if v, ok := ctx.Value(rolesCtxKey).([]AuthRole); ok {
		return v
	}
	return nil
}

// IsValidAuthRole reports whether s names a known role.
func IsValidAuthRole(s string) bool {
	for _, r := range AllAuthRoles {
		if string(r) == s {
			return true
		}
	}
	return false
}

// StringsToAuthRoles converts config strings to roles, skipping unknown ones.
func StringsToAuthRoles(ss []string) []AuthRole {
	roles := make([]AuthRole, 0, len(ss))
	for _, s := range ss {
		if IsValidAuthRole(s) {
			roles = append(roles, AuthRole(s))
		}
	}
	return roles
}
