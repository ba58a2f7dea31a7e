package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"newstrnt.org/internal/rbac"
)

func testRegistry(t *testing.T) *rbac.Registry {
	t.Helper()
	catalog := rbac.NewCatalog()
	for _, action := range []string{"create", "read", "update", "delete", "publish"} {
		if _, err := catalog.Register("articles", action, "", true); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return rbac.NewRegistry(catalog)
}

func defineRole(t *testing.T, reg *rbac.Registry, def rbac.DefineRole) *rbac.Role {
	t.Helper()
	role, err := reg.Define(context.Background(), def)
	if err != nil {
		t.Fatalf("define %s: %v", def.Name, err)
	}
	return role
}

func TestIssueSnapshotsRole(t *testing.T) {
	reg := testRegistry(t)
	editor := defineRole(t, reg, rbac.DefineRole{Name: "EDITOR", Level: 60, Patterns: []string{"articles.read", "articles.publish"}})

	store := NewMemoryStore()
	sess, err := store.Issue("u1", "editor@example.com", editor, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(sess.ID) != 64 {
		t.Fatalf("expected 32-byte hex session id, got %d chars", len(sess.ID))
	}
	if !sess.ExpiresAt.After(sess.IssuedAt) {
		t.Fatal("expiry must be after issuance")
	}
	if !sess.HasPermission("articles.publish") || sess.HasPermission("articles.delete") {
		t.Fatal("snapshot mismatch")
	}

	// The snapshot must not move with the role.
	defineRole(t, reg, rbac.DefineRole{Name: "EDITOR", Level: 60, Patterns: []string{"articles.read"}})
	got, err := store.Validate(sess.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !got.HasPermission("articles.publish") {
		t.Fatal("live role change must not alter an issued snapshot")
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	reg := testRegistry(t)
	role := defineRole(t, reg, rbac.DefineRole{Name: "VIEWER", Level: 10, Patterns: []string{"articles.read"}})

	now := time.Now().UTC()
	clock := func() time.Time { return now }
	store := NewMemoryStore(WithClock(func() time.Time { return clock() }))

	sess, err := store.Issue("u1", "v@example.com", role, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := store.Validate(sess.ID); err != nil {
		t.Fatalf("validate live: %v", err)
	}

	now = now.Add(time.Minute) // exactly at expiry: invalid
	if _, err := store.Validate(sess.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	// Once expired the session is gone for all purposes.
	if _, err := store.Validate(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after drop, got %v", err)
	}
}

func TestValidateDoesNotExtendExpiry(t *testing.T) {
	reg := testRegistry(t)
	role := defineRole(t, reg, rbac.DefineRole{Name: "VIEWER", Level: 10, Patterns: []string{"articles.read"}})

	now := time.Now().UTC()
	store := NewMemoryStore(WithClock(func() time.Time { return now }))
	sess, _ := store.Issue("u1", "v@example.com", role, time.Minute)

	now = now.Add(30 * time.Second)
	revalidated, err := store.Validate(sess.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !revalidated.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Fatal("validation must not extend expiry")
	}
	if !revalidated.LastActivity.After(sess.LastActivity) {
		t.Fatal("validation should refresh last activity")
	}
}

func TestIdleTimeout(t *testing.T) {
	reg := testRegistry(t)
	role := defineRole(t, reg, rbac.DefineRole{Name: "VIEWER", Level: 10, Patterns: []string{"articles.read"}})

	now := time.Now().UTC()
	store := NewMemoryStore(
		WithClock(func() time.Time { return now }),
		WithIdleTimeout(30*time.Minute),
	)
	sess, _ := store.Issue("u1", "v@example.com", role, 8*time.Hour)

	now = now.Add(31 * time.Minute)
	if _, err := store.Validate(sess.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected idle expiry, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	reg := testRegistry(t)
	role := defineRole(t, reg, rbac.DefineRole{Name: "VIEWER", Level: 10, Patterns: []string{"articles.read"}})
	store := NewMemoryStore()
	sess, _ := store.Issue("u1", "v@example.com", role, time.Hour)

	if err := store.Revoke(sess.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := store.Validate(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Revoke(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double revoke should report ErrNotFound, got %v", err)
	}
}

func TestRevalidatePicksUpRoleChange(t *testing.T) {
	reg := testRegistry(t)
	defineRole(t, reg, rbac.DefineRole{Name: "EDITOR", Level: 60, Patterns: []string{"articles.*"}})

	now := time.Now().UTC()
	store := NewMemoryStore(WithClock(func() time.Time { return now }))
	editor, _ := reg.Resolve("EDITOR")
	sess, _ := store.Issue("u1", "e@example.com", editor, time.Hour)

	// Narrow the role, then revalidate.
	defineRole(t, reg, rbac.DefineRole{Name: "EDITOR", Level: 60, Patterns: []string{"articles.read"}})
	now = now.Add(10 * time.Minute)
	fresh, err := store.Revalidate(context.Background(), sess.ID, reg)
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if fresh.ID == sess.ID {
		t.Fatal("revalidation must re-issue under a new id")
	}
	if fresh.HasPermission("articles.delete") {
		t.Fatal("revalidated snapshot should reflect the narrowed role")
	}
	if !fresh.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Fatalf("revalidation must preserve absolute expiry: %v vs %v", fresh.ExpiresAt, sess.ExpiresAt)
	}
	if _, err := store.Validate(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("old session must be gone after revalidation")
	}
}

func TestRevalidateOnRemovedRoleExpires(t *testing.T) {
	reg := testRegistry(t)
	role := defineRole(t, reg, rbac.DefineRole{Name: "TEMP", Level: 10, Patterns: []string{"articles.read"}})
	store := NewMemoryStore()
	sess, _ := store.Issue("u1", "t@example.com", role, time.Hour)

	// A resolver that no longer knows the role.
	empty := rbac.NewRegistry(rbac.NewCatalog())
	if _, err := store.Revalidate(context.Background(), sess.ID, empty); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := store.Validate(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("session must be revoked when its role vanished")
	}
}

func TestRevalidateConcurrentSwapsExactlyOnce(t *testing.T) {
	reg := testRegistry(t)
	editor := defineRole(t, reg, rbac.DefineRole{Name: "EDITOR", Level: 60, Patterns: []string{"articles.read"}})

	store := NewMemoryStore()
	sess, err := store.Issue("u1", "e@example.com", editor, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	successes := make(chan *Session, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if fresh, err := store.Revalidate(context.Background(), sess.ID, reg); err == nil {
				successes <- fresh
			}
		}()
	}
	wg.Wait()
	close(successes)

	var issued []*Session
	for fresh := range successes {
		issued = append(issued, fresh)
	}
	if len(issued) != 1 {
		t.Fatalf("concurrent revalidation issued %d replacements, want 1", len(issued))
	}
	if store.Len() != 1 {
		t.Fatalf("store holds %d sessions, want 1", store.Len())
	}
	if _, err := store.Validate(issued[0].ID); err != nil {
		t.Fatalf("replacement not live: %v", err)
	}
}

func TestRefreshExtends(t *testing.T) {
	reg := testRegistry(t)
	role := defineRole(t, reg, rbac.DefineRole{Name: "VIEWER", Level: 10, Patterns: []string{"articles.read"}})

	now := time.Now().UTC()
	store := NewMemoryStore(WithClock(func() time.Time { return now }))
	sess, _ := store.Issue("u1", "v@example.com", role, time.Hour)

	now = now.Add(50 * time.Minute)
	fresh, err := store.Refresh(context.Background(), sess.ID, reg, time.Hour)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !fresh.ExpiresAt.After(sess.ExpiresAt) {
		t.Fatal("refresh must extend expiry")
	}
}

func TestPruneExpired(t *testing.T) {
	reg := testRegistry(t)
	role := defineRole(t, reg, rbac.DefineRole{Name: "VIEWER", Level: 10, Patterns: []string{"articles.read"}})

	now := time.Now().UTC()
	store := NewMemoryStore(WithClock(func() time.Time { return now }))
	for i := 0; i < 3; i++ {
		if _, err := store.Issue("u1", "v@example.com", role, time.Minute); err != nil {
			t.Fatalf("issue: %v", err)
		}
	}
	live, _ := store.Issue("u1", "v@example.com", role, time.Hour)

	now = now.Add(2 * time.Minute)
	if removed := store.PruneExpired(); removed != 3 {
		t.Fatalf("expected 3 pruned, got %d", removed)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 session left, got %d", store.Len())
	}
	if _, err := store.Validate(live.ID); err != nil {
		t.Fatalf("live session lost: %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	reg := testRegistry(t)
	role := defineRole(t, reg, rbac.DefineRole{Name: "EDITOR", Level: 60, Patterns: []string{"articles.*"}})
	store := NewMemoryStore()
	sess, _ := store.Issue("u1", "e@example.com", role, time.Hour)

	secret := []byte("test-secret")
	token, err := SignToken(secret, sess)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sid, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sid != sess.ID {
		t.Fatalf("session id mismatch: %q vs %q", sid, sess.ID)
	}

	if _, err := ParseToken([]byte("other-secret"), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret must fail, got %v", err)
	}
	if _, err := ParseToken(secret, "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage must fail, got %v", err)
	}
}

func TestExpiredTokenReportsExpired(t *testing.T) {
	reg := testRegistry(t)
	role := defineRole(t, reg, rbac.DefineRole{Name: "VIEWER", Level: 10, Patterns: []string{"articles.read"}})

	past := time.Now().UTC().Add(-2 * time.Hour)
	store := NewMemoryStore(WithClock(func() time.Time { return past }))
	sess, _ := store.Issue("u1", "v@example.com", role, time.Hour)

	secret := []byte("test-secret")
	token, err := SignToken(secret, sess)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseToken(secret, token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}
