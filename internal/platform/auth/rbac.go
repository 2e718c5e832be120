package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

func roleLevel(role string) int {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// HasAtLeast reports whether any of roles ranks at or above required.
// Unknown roles rank below viewer.
func HasAtLeast(roles []string, required string) bool {
	want := roleLevel(required)
	if want == 0 {
		return false
	}
	for _, role := range roles {
		if roleLevel(role) >= want {
			return true
		}
	}
	return false
}

// RoleRule raises the role needed for writes under a path prefix.
type RoleRule struct {
	PathPrefix string
	Role       string
}

// RolePolicy maps requests to the role they require. Reads need viewer and
// writes need editor unless a rule names a higher role for the path.
type RolePolicy struct {
	WriteRules []RoleRule
}

// DefaultRolePolicy keeps credential registration for admins.
func DefaultRolePolicy() RolePolicy {
	return RolePolicy{WriteRules: []RoleRule{
		{PathPrefix: "/data-repositories", Role: RoleAdmin},
	}}
}

func (p RolePolicy) RequiredRole(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	required := RoleEditor
	for _, rule := range p.WriteRules {
		if strings.HasPrefix(r.URL.Path, rule.PathPrefix) && roleLevel(rule.Role) > roleLevel(required) {
			required = rule.Role
		}
	}
	return required
}

// Authorizer rejects identities whose roles rank below the request's requirement.
func (p RolePolicy) Authorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if HasAtLeast(identity.Roles, p.RequiredRole(r)) {
			return nil
		}
		return ErrForbidden
	}
}
