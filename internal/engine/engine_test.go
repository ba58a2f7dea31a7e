package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"newstrnt.org/internal/audit"
	"newstrnt.org/internal/guard"
	"newstrnt.org/internal/rbac"
	"newstrnt.org/internal/session"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *MemoryUsers, *audit.MemoryLog) {
	t.Helper()
	catalog := rbac.NewCatalog()
	registry := rbac.NewRegistry(catalog)
	if err := rbac.Seed(context.Background(), catalog, registry); err != nil {
		t.Fatalf("seed: %v", err)
	}
	users := NewMemoryUsers()
	log := audit.NewMemoryLog()
	e := New(users, session.NewMemoryStore(), catalog, registry, log, []byte(testSecret), opts...)
	t.Cleanup(e.Close)
	return e, users, log
}

func addUser(t *testing.T, users *MemoryUsers, email, password, role string, active bool) *User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	u := &User{Email: email, Name: email, PasswordHash: string(hash), Role: role, Active: active}
	if err := users.Create(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func engineErr(t *testing.T, err error) *Error {
	t.Helper()
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *engine.Error", err)
	}
	return ee
}

func TestAuthenticateIssuesSession(t *testing.T) {
	e, users, log := newTestEngine(t)
	addUser(t, users, "editor@example.org", "correct-horse", rbac.RoleEditor, true)
	ctx := context.Background()

	sess, token, err := e.Authenticate(ctx, "editor@example.org", "correct-horse", "1.2.3.4")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sess.Role != rbac.RoleEditor || token == "" {
		t.Errorf("session role = %s, token empty = %v", sess.Role, token == "")
	}

	got, err := e.CurrentSession(ctx, token)
	if err != nil {
		t.Fatalf("CurrentSession: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("token resolves to %s, want %s", got.ID, sess.ID)
	}

	entries, _ := log.Query(ctx, audit.Filter{Actions: []audit.Action{audit.ActionLoginSuccess}})
	if len(entries) != 1 || entries[0].UserEmail != "editor@example.org" {
		t.Errorf("login success not audited: %v", entries)
	}
}

func TestAuthenticateUniformCredentialFailure(t *testing.T) {
	e, users, _ := newTestEngine(t)
	addUser(t, users, "a@example.org", "correct-horse", rbac.RoleEditor, true)
	addUser(t, users, "banned@example.org", "correct-horse", rbac.RoleEditor, false)
	ctx := context.Background()

	cases := []struct {
		name, email, password string
	}{
		{"unknown email", "nobody@example.org", "whatever"},
		{"wrong password", "a@example.org", "wrong"},
		{"deactivated account", "banned@example.org", "correct-horse"},
	}
	var messages []string
	for _, tc := range cases {
		_, _, err := e.Authenticate(ctx, tc.email, tc.password, "1.2.3.4")
		ee := engineErr(t, err)
		if ee.Type != TypeAuthRequired || ee.Action != "login" {
			t.Errorf("%s: type=%s action=%s, want AUTH_REQUIRED/login", tc.name, ee.Type, ee.Action)
		}
		messages = append(messages, ee.Message)
	}
	for _, m := range messages[1:] {
		if m != messages[0] {
			t.Errorf("failure messages differ: %v", messages)
		}
	}
}

func TestAuthenticateRateLimited(t *testing.T) {
	e, users, log := newTestEngine(t)
	addUser(t, users, "a@example.org", "correct-horse", rbac.RoleEditor, true)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := e.Authenticate(ctx, "a@example.org", "wrong", "9.9.9.9")
		if ee := engineErr(t, err); ee.Type != TypeAuthRequired {
			t.Fatalf("attempt %d: type = %s, want AUTH_REQUIRED", i+1, ee.Type)
		}
	}
	// even the correct password is rejected while the window is closed
	_, _, err := e.Authenticate(ctx, "a@example.org", "correct-horse", "9.9.9.9")
	ee := engineErr(t, err)
	if ee.Type != TypeRateLimited || ee.Action != "retry" || ee.ResetAt.IsZero() {
		t.Fatalf("type=%s action=%s resetAt=%v, want RATE_LIMITED/retry/set", ee.Type, ee.Action, ee.ResetAt)
	}

	// a different client is unaffected
	if _, _, err := e.Authenticate(ctx, "a@example.org", "correct-horse", "8.8.8.8"); err != nil {
		t.Errorf("other client: %v", err)
	}

	failed, _ := log.Query(ctx, audit.Filter{Actions: []audit.Action{audit.ActionLoginFailed}})
	limited, _ := log.Query(ctx, audit.Filter{Actions: []audit.Action{audit.ActionRateLimitExceeded}})
	if len(failed) != 5 || len(limited) != 1 {
		t.Errorf("audit: %d LOGIN_FAILED and %d RATE_LIMIT_EXCEEDED, want 5 and 1", len(failed), len(limited))
	}
	for _, e := range failed {
		if e.Severity != audit.SeverityWarning {
			t.Errorf("LOGIN_FAILED severity = %s, want WARNING", e.Severity)
		}
	}
}

func TestAuthorize(t *testing.T) {
	e, users, log := newTestEngine(t)
	addUser(t, users, "editor@example.org", "correct-horse", rbac.RoleEditor, true)
	ctx := context.Background()

	_, token, err := e.Authenticate(ctx, "editor@example.org", "correct-horse", "1.2.3.4")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if _, dec, err := e.Authorize(ctx, token, guard.Requirement{Permissions: []string{"articles.update"}}, "articles"); err != nil || !dec.Allowed {
		t.Errorf("editor articles.update: dec=%+v err=%v", dec, err)
	}

	_, dec, err := e.Authorize(ctx, token, guard.Requirement{Permissions: []string{"users.delete"}}, "users")
	if dec.Allowed {
		t.Error("editor allowed users.delete")
	}
	ee := engineErr(t, err)
	if ee.Type != TypePermissionDenied {
		t.Errorf("type = %s, want PERMISSION_DENIED", ee.Type)
	}

	_, _, err = e.Authorize(ctx, "garbage", guard.Requirement{}, "articles")
	if ee := engineErr(t, err); ee.Type != TypeAuthRequired {
		t.Errorf("garbage token type = %s, want AUTH_REQUIRED", ee.Type)
	}

	// async records land after flush
	e.Close()
	denied, _ := log.Query(ctx, audit.Filter{Actions: []audit.Action{audit.ActionUnauthorizedAccess}})
	if len(denied) != 2 {
		t.Fatalf("UNAUTHORIZED_ACCESS entries = %d, want 2", len(denied))
	}
	for _, entry := range denied {
		if entry.Severity != audit.SeverityCritical {
			t.Errorf("severity = %s, want CRITICAL", entry.Severity)
		}
	}
	allowed, _ := log.Query(ctx, audit.Filter{Actions: []audit.Action{audit.ActionAPIAccess}})
	if len(allowed) != 1 || allowed[0].Resource != "articles" {
		t.Errorf("API_ACCESS entries: %v", allowed)
	}
}

func TestAuthorizeExpiredSessionAuditsExpiry(t *testing.T) {
	catalog := rbac.NewCatalog()
	registry := rbac.NewRegistry(catalog)
	if err := rbac.Seed(context.Background(), catalog, registry); err != nil {
		t.Fatalf("seed: %v", err)
	}
	users := NewMemoryUsers()
	log := audit.NewMemoryLog()
	now := time.Now().UTC()
	store := session.NewMemoryStore(session.WithClock(func() time.Time { return now }))
	e := New(users, store, catalog, registry, log, []byte(testSecret))
	t.Cleanup(e.Close)
	addUser(t, users, "editor@example.org", "correct-horse", rbac.RoleEditor, true)
	ctx := context.Background()

	_, token, err := e.Authenticate(ctx, "editor@example.org", "correct-horse", "1.2.3.4")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	// the store clock passes the ttl while the signed token stays fresh
	now = now.Add(9 * time.Hour)

	_, dec, err := e.Authorize(ctx, token, guard.Requirement{Permissions: []string{"articles.read"}}, "articles")
	if dec.Allowed {
		t.Fatal("expired session allowed")
	}
	if ee := engineErr(t, err); ee.Type != TypeAuthExpired {
		t.Errorf("type = %s, want AUTH_EXPIRED", ee.Type)
	}

	e.Close()
	expired, _ := log.Query(ctx, audit.Filter{Actions: []audit.Action{audit.ActionSessionExpired}})
	if len(expired) != 1 {
		t.Fatalf("SESSION_EXPIRED entries = %d, want 1", len(expired))
	}
	if expired[0].Severity != audit.SeverityInfo {
		t.Errorf("severity = %s, want INFO", expired[0].Severity)
	}
	denied, _ := log.Query(ctx, audit.Filter{Actions: []audit.Action{audit.ActionUnauthorizedAccess}})
	if len(denied) != 0 {
		t.Errorf("UNAUTHORIZED_ACCESS entries = %d, want 0", len(denied))
	}
}

func TestLogoutIdempotent(t *testing.T) {
	e, users, log := newTestEngine(t)
	addUser(t, users, "a@example.org", "correct-horse", rbac.RoleViewer, true)
	ctx := context.Background()

	_, token, err := e.Authenticate(ctx, "a@example.org", "correct-horse", "1.2.3.4")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := e.Logout(ctx, token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := e.CurrentSession(ctx, token); err == nil {
		t.Error("session survives logout")
	}
	// second logout with the now-dead token is still fine
	if err := e.Logout(ctx, token); err != nil {
		t.Errorf("repeat Logout: %v", err)
	}

	entries, _ := log.Query(ctx, audit.Filter{Actions: []audit.Action{audit.ActionLogout}})
	if len(entries) != 1 {
		t.Errorf("LOGOUT audited %d times, want 1", len(entries))
	}
}

func TestRevalidateAppliesRoleChange(t *testing.T) {
	e, users, _ := newTestEngine(t)
	addUser(t, users, "a@example.org", "correct-horse", rbac.RoleEditor, true)
	ctx := context.Background()

	sess, token, err := e.Authenticate(ctx, "a@example.org", "correct-horse", "1.2.3.4")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !sess.HasPermission("articles.publish") {
		t.Fatal("editor lacks articles.publish before narrowing")
	}

	// narrow the editor role; the live session keeps its snapshot
	if _, err := e.Roles().Define(ctx, rbac.DefineRole{
		Name: rbac.RoleEditor, Slug: "editor", Level: 60,
		Patterns: []string{"articles.read"},
	}); err != nil {
		t.Fatalf("redefine: %v", err)
	}
	cur, err := e.CurrentSession(ctx, token)
	if err != nil {
		t.Fatalf("CurrentSession: %v", err)
	}
	if !cur.HasPermission("articles.publish") {
		t.Error("snapshot lost before revalidation")
	}

	fresh, newToken, err := e.Revalidate(ctx, token)
	if err != nil {
		t.Fatalf("Revalidate: %v", err)
	}
	if fresh.HasPermission("articles.publish") {
		t.Error("revalidated session kept revoked grant")
	}
	if newToken == token {
		t.Error("token not rotated")
	}
	if _, err := e.CurrentSession(ctx, token); err == nil {
		t.Error("old token still resolves")
	}
}

func TestChangePassword(t *testing.T) {
	e, users, log := newTestEngine(t)
	addUser(t, users, "a@example.org", "correct-horse", rbac.RoleViewer, true)
	ctx := context.Background()

	_, token, err := e.Authenticate(ctx, "a@example.org", "correct-horse", "1.2.3.4")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if err := e.ChangePassword(ctx, token, "wrong", "new-password-1"); err == nil {
		t.Fatal("wrong current password accepted")
	} else if ee := engineErr(t, err); ee.Type != TypeValidation {
		t.Errorf("type = %s, want VALIDATION_ERROR", ee.Type)
	}
	if err := e.ChangePassword(ctx, token, "correct-horse", "short"); err == nil {
		t.Fatal("short password accepted")
	}
	if err := e.ChangePassword(ctx, token, "correct-horse", "new-password-1"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, _, err := e.Authenticate(ctx, "a@example.org", "new-password-1", "1.2.3.4"); err != nil {
		t.Errorf("login with new password: %v", err)
	}
	entries, _ := log.Query(ctx, audit.Filter{Actions: []audit.Action{audit.ActionPasswordChange}})
	if len(entries) != 2 {
		t.Errorf("PASSWORD_CHANGE audited %d times, want 2 (one failure, one success)", len(entries))
	}
}

func TestBootstrap(t *testing.T) {
	e, users, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.Bootstrap(ctx, "root@example.org", "bootstrap-secret"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	u, err := users.FindByEmail(ctx, "root@example.org")
	if err != nil {
		t.Fatalf("bootstrap user missing: %v", err)
	}
	if u.Role != rbac.RoleSuperAdmin || !u.Active {
		t.Errorf("role=%s active=%v, want SUPER_ADMIN/true", u.Role, u.Active)
	}

	// populated store: no-op, even with different credentials
	if err := e.Bootstrap(ctx, "other@example.org", "bootstrap-secret"); err != nil {
		t.Fatalf("repeat Bootstrap: %v", err)
	}
	if _, err := users.FindByEmail(ctx, "other@example.org"); !errors.Is(err, ErrUserNotFound) {
		t.Error("second bootstrap created an account")
	}

	sess, _, err := e.Authenticate(ctx, "root@example.org", "bootstrap-secret", "1.2.3.4")
	if err != nil {
		t.Fatalf("bootstrap login: %v", err)
	}
	if !sess.SuperAdmin {
		t.Error("bootstrap session not super admin")
	}
}

func TestEngineClockIndependentRateWindow(t *testing.T) {
	// rate guard windows are real-time; make sure a denial reports a reset
	// in the future rather than the zero time
	e, users, _ := newTestEngine(t, WithLoginLimit(1, time.Hour))
	addUser(t, users, "a@example.org", "correct-horse", rbac.RoleViewer, true)
	ctx := context.Background()

	if _, _, err := e.Authenticate(ctx, "a@example.org", "wrong", "1.2.3.4"); err == nil {
		t.Fatal("wrong password accepted")
	}
	_, _, err := e.Authenticate(ctx, "a@example.org", "wrong", "1.2.3.4")
	ee := engineErr(t, err)
	if ee.Type != TypeRateLimited || !ee.ResetAt.After(time.Now()) {
		t.Errorf("type=%s resetAt=%v, want RATE_LIMITED with future reset", ee.Type, ee.ResetAt)
	}
}
