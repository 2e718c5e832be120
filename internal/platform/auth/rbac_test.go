package auth

import (
	"errors"
	"net/http"
	"testing"
)

func TestHasAtLeast(t *testing.T) {
	cases := []struct {
		roles    []string
		required string
		want     bool
	}{
		{[]string{"viewer"}, RoleViewer, true},
		{[]string{"viewer"}, RoleEditor, false},
		{[]string{" Editor "}, RoleViewer, true},
		{[]string{"unknown", "admin"}, RoleAdmin, true},
		{[]string{"admin"}, "owner", false},
		{nil, RoleViewer, false},
	}
	for _, tc := range cases {
		if got := HasAtLeast(tc.roles, tc.required); got != tc.want {
			t.Fatalf("HasAtLeast(%v, %q)=%v, want %v", tc.roles, tc.required, got, tc.want)
		}
	}
}

func TestRolePolicyRequiredRole(t *testing.T) {
	policy := DefaultRolePolicy()
	cases := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/results-requests/rr-1", RoleViewer},
		{http.MethodGet, "/data-repositories", RoleViewer},
		{http.MethodPost, "/results-requests", RoleEditor},
		{http.MethodPut, "/experiments/e/outputs/o/payload", RoleEditor},
		{http.MethodPost, "/data-repositories", RoleAdmin},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(tc.method, "http://example.test"+tc.path, nil)
		if got := policy.RequiredRole(req); got != tc.want {
			t.Fatalf("RequiredRole(%s %s)=%q, want %q", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestRolePolicyAuthorizer(t *testing.T) {
	authorize := DefaultRolePolicy().Authorizer()
	req, _ := http.NewRequest(http.MethodPost, "http://example.test/data-repositories", nil)
	if err := authorize(req, Identity{Subject: "u", Roles: []string{RoleEditor}}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("editor err=%v, want ErrForbidden", err)
	}
	if err := authorize(req, Identity{Subject: "u", Roles: []string{RoleAdmin}}); err != nil {
		t.Fatalf("admin err=%v", err)
	}
}
