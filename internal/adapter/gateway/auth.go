package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"

	"lia-terminal/internal/domain"
	"lia-terminal/internal/infra/config"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name  string
	Roles []domain.AuthRole
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// NewAuthenticator builds the authenticator selected by cfg.
func NewAuthenticator(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Type {
	case "static":
		return NewStaticTokenAuth(cfg.Tokens), nil
	case "none", "":
		return NoAuth{}, nil
	default:
		return nil, fmt.Errorf("unknown gateway auth type %q", cfg.Type)
	}
}

// NoAuth accepts every connection as the "local" admin client. Config
// validation only allows it on loopback addresses.
type NoAuth struct{}

func (NoAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "local", Roles: []domain.AuthRole{domain.AuthRoleAdmin}}, nil
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
// Tokens without a name are reported as "token-<index>"; tokens without roles
// are admins.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{
		entries: make([]authEntry, 0, len(tokens)),
	}
	for i, t := range tokens {
		if t.Token == "" {
			continue
		}
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		roles := domain.StringsToAuthRoles(t.Roles)
		if len(roles) == 0 {
			roles = []domain.AuthRole{domain.AuthRoleAdmin}
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(t.Token),
			info:  &ClientInfo{Name: name, Roles: roles},
		})
	}
	return a
}

// Authenticate returns client info if the token is valid.
// Uses constant-time comparison to prevent timing attacks.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			info := *e.info
			info.Roles = append([]domain.AuthRole(nil), e.info.Roles...)
			return &info, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}

// RoleAuthorizer implements domain.Authorizer with domain.RolePermissions.
type RoleAuthorizer struct{}

// Authorize succeeds when any of roles grants perm.
func (RoleAuthorizer) Authorize(_ context.Context, roles []domain.AuthRole, perm domain.Permission) error {
	for _, role := range roles {
		for _, p := range domain.RolePermissions[role] {
			if p == perm {
				return nil
			}
		}
	}
	return domain.NewSubSystemError("rpc", "authorize", domain.ErrPermissionDenied, "missing permission "+string(perm))
}

// methodPermissions is the permission each built-in RPC method requires.
// Methods not listed need none.
var methodPermissions = map[string]domain.Permission{
	methodGetCurrentDirectory: domain.PermDirectoryView,
	methodChangeDirectory:     domain.PermDirectoryChange,
	methodExecuteCommand:      domain.PermCommandExecute,

	methodSurfaceCwd:   domain.PermDirectoryView,
	methodSurfaceChdir: domain.PermDirectoryChange,
	methodSurfaceExec:  domain.PermCommandExecute,

	methodTabOpen:    domain.PermTabManage,
	methodTabClose:   domain.PermTabManage,
	methodTabList:    domain.PermTabView,
	methodTabGet:     domain.PermTabView,
	methodTabSubmit:  domain.PermCommandExecute,
	methodTabHistory: domain.PermTabView,
}
