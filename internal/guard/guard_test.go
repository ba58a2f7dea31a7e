package guard

import (
	"context"
	"testing"
	"time"

	"newstrnt.org/internal/rbac"
	"newstrnt.org/internal/session"
)

func issueSession(t *testing.T, def rbac.DefineRole, ttl time.Duration) *session.Session {
	t.Helper()
	catalog := rbac.NewCatalog()
	for _, action := range []string{"create", "read", "update", "delete", "publish"} {
		if _, err := catalog.Register("articles", action, "", true); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	reg := rbac.NewRegistry(catalog)
	role, err := reg.Define(context.Background(), def)
	if err != nil {
		t.Fatalf("define: %v", err)
	}
	store := session.NewMemoryStore()
	sess, err := store.Issue("u1", "user@example.com", role, ttl)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return sess
}

func TestNoSession(t *testing.T) {
	d := Authorize(nil, Requirement{Permissions: []string{"articles.read"}})
	if d.Allowed || d.Reason != ReasonAuthRequired {
		t.Fatalf("expected AUTH_REQUIRED, got %+v", d)
	}
}

func TestExpiredSession(t *testing.T) {
	sess := issueSession(t, rbac.DefineRole{Name: "VIEWER", Level: 10, Patterns: []string{"articles.read"}}, time.Minute)
	d := AuthorizeAt(sess, Requirement{Permissions: []string{"articles.read"}}, sess.ExpiresAt)
	if d.Allowed || d.Reason != ReasonAuthExpired {
		t.Fatalf("expected AUTH_EXPIRED at expiry instant, got %+v", d)
	}
}

func TestSuperAdminBypassesEverything(t *testing.T) {
	sess := issueSession(t, rbac.DefineRole{Name: "SUPER_ADMIN", Level: 100, Patterns: []string{rbac.Wildcard}}, time.Hour)
	d := Authorize(sess, Requirement{
		Role:        "SOME_OTHER_ROLE",
		MinLevel:    9000,
		Permissions: []string{"nonexistent.permission"},
		All:         true,
	})
	if !d.Allowed {
		t.Fatalf("super admin must bypass all checks, got %+v", d)
	}
}

func TestRoleCheckedBeforePermissions(t *testing.T) {
	sess := issueSession(t, rbac.DefineRole{Name: "AUTHOR", Level: 40, Patterns: []string{"articles.read"}}, time.Hour)
	// Fails both the role check and the permission check; the verdict must
	// name the role, per the fixed evaluation order.
	d := Authorize(sess, Requirement{Role: "EDITOR", Permissions: []string{"articles.delete"}})
	if d.Allowed || d.Reason != ReasonRoleRequired {
		t.Fatalf("expected ROLE_REQUIRED, got %+v", d)
	}
}

func TestLevelCheckedBeforePermissions(t *testing.T) {
	sess := issueSession(t, rbac.DefineRole{Name: "AUTHOR", Level: 40, Patterns: []string{"articles.read"}}, time.Hour)
	d := Authorize(sess, Requirement{MinLevel: 60, Permissions: []string{"articles.delete"}})
	if d.Allowed || d.Reason != ReasonRoleRequired {
		t.Fatalf("expected ROLE_REQUIRED, got %+v", d)
	}
}

func TestPermissionAnyAll(t *testing.T) {
	sess := issueSession(t, rbac.DefineRole{
		Name: "EDITOR", Level: 60,
		Patterns: []string{"articles.create", "articles.read", "articles.update", "articles.publish"},
	}, time.Hour)

	if d := Authorize(sess, Requirement{Permissions: []string{"articles.delete", "articles.publish"}}); !d.Allowed {
		t.Fatalf("any-of should pass, got %+v", d)
	}
	d := Authorize(sess, Requirement{Permissions: []string{"articles.delete", "articles.publish"}, All: true})
	if d.Allowed || d.Reason != ReasonPermissionDenied {
		t.Fatalf("all-of should fail, got %+v", d)
	}
	if len(d.Missing) != 1 || d.Missing[0] != "articles.delete" {
		t.Fatalf("expected missing articles.delete, got %v", d.Missing)
	}
}

func TestEmptyRequirementAllowsAuthenticated(t *testing.T) {
	sess := issueSession(t, rbac.DefineRole{Name: "VIEWER", Level: 10, Patterns: []string{"articles.read"}}, time.Hour)
	if d := Authorize(sess, Requirement{}); !d.Allowed {
		t.Fatalf("empty requirement should only require a live session, got %+v", d)
	}
}

func TestMatchingRoleWithoutPermissionStillDenied(t *testing.T) {
	sess := issueSession(t, rbac.DefineRole{Name: "EDITOR", Level: 60, Patterns: []string{"articles.read"}}, time.Hour)
	d := Authorize(sess, Requirement{Role: "EDITOR", Permissions: []string{"articles.delete"}})
	if d.Allowed || d.Reason != ReasonPermissionDenied {
		t.Fatalf("role match must not skip the permission check, got %+v", d)
	}
}
