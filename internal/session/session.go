package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"newstrnt.org/internal/rbac"
)

var (
	// ErrNotFound means no session exists under the given id. Callers must
	// treat it identically to ErrExpired in user-visible behavior.
	ErrNotFound = errors.New("session: not found")
	// ErrExpired means the session existed but is no longer valid.
	ErrExpired = errors.New("session: expired")

	ErrInvalidInput = errors.New("session: invalid input")
)

// Session is a time-bounded authenticated context. Role level and permissions
// are point-in-time snapshots taken at issuance; a role change takes effect
// only on the next re-issuance or revalidation, never in place.
type Session struct {
	ID           string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	RoleLevel    int       `json:"role_level"`
	SuperAdmin   bool      `json:"is_super_admin"`
	Permissions  []string  `json:"permissions"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`

	perms map[string]struct{}
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt)
}

// HasPermission checks the snapshot taken at issuance. The wildcard grant
// satisfies everything; "<resource>.manage" satisfies the whole resource.
func (s *Session) HasPermission(name string) bool {
	if s == nil {
		return false
	}
	if s.SuperAdmin {
		return true
	}
	if _, ok := s.perms[name]; ok {
		return true
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		if _, ok := s.perms[name[:i]+".manage"]; ok {
			return true
		}
	}
	return false
}

// HasAnyPermission reports whether at least one of names is held.
func (s *Session) HasAnyPermission(names ...string) bool {
	for _, name := range names {
		if s.HasPermission(name) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether every one of names is held.
func (s *Session) HasAllPermissions(names ...string) bool {
	for _, name := range names {
		if !s.HasPermission(name) {
			return false
		}
	}
	return true
}

// HasMinLevel compares the snapshotted role level against threshold.
func (s *Session) HasMinLevel(threshold int) bool {
	return s != nil && s.RoleLevel >= threshold
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Permissions = append([]string(nil), s.Permissions...)
	return &cp
}

// RoleResolver is the subset of the role registry revalidation needs.
type RoleResolver interface {
	Resolve(name string) (*rbac.Role, error)
}

// Store issues, validates, and revokes sessions.
type Store interface {
	Issue(userID, email string, role *rbac.Role, ttl time.Duration) (*Session, error)
	Validate(id string) (*Session, error)
	Revoke(id string) error
	Revalidate(ctx context.Context, id string, roles RoleResolver) (*Session, error)
	Refresh(ctx context.Context, id string, roles RoleResolver, ttl time.Duration) (*Session, error)
}

// MemoryStore keeps sessions in process memory. Expiry is enforced lazily at
// validation; PruneExpired exists only to reclaim storage.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	now         func() time.Time
	onCount     func(int)
}

// StoreOption configures a MemoryStore.
type StoreOption func(*MemoryStore)

// WithIdleTimeout expires sessions idle for longer than d, on top of the
// absolute expiry. Zero disables the idle check.
func WithIdleTimeout(d time.Duration) StoreOption {
	return func(s *MemoryStore) { s.idleTimeout = d }
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) StoreOption {
	return func(s *MemoryStore) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithCountHook is called with the session count after every change; used to
// publish the active-session gauge.
func WithCountHook(fn func(int)) StoreOption {
	return func(s *MemoryStore) { s.onCount = fn }
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

// newSessionID returns 32 bytes of entropy, hex-encoded.
func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Issue creates a session snapshotting the role's level and permissions.
func (s *MemoryStore) Issue(userID, email string, role *rbac.Role, ttl time.Duration) (*Session, error) {
	userID = strings.TrimSpace(userID)
	email = strings.TrimSpace(strings.ToLower(email))
	if userID == "" || email == "" {
		return nil, fmt.Errorf("%w: user id and email are required", ErrInvalidInput)
	}
	if role == nil {
		return nil, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidInput)
	}
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	perms := role.Permissions()
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	sess := &Session{
		ID:           id,
		UserID:       userID,
		Email:        email,
		Role:         role.Name,
		RoleLevel:    role.Level,
		SuperAdmin:   role.IsSuperAdmin(),
		Permissions:  perms,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		LastActivity: now,
		perms:        set,
	}

	s.mu.Lock()
	s.sessions[id] = sess
	count := len(s.sessions)
	s.mu.Unlock()
	s.publishCount(count)
	return sess.clone(), nil
}

// Validate returns the session if it is still live. It refreshes
// LastActivity but never extends ExpiresAt; sliding expiry is the explicit
// Refresh operation. Expired sessions are dropped and reported as ErrExpired.
func (s *MemoryStore) Validate(id string) (*Session, error) {
	now := s.now().UTC()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if sess.Expired(now) || s.idleExpired(sess, now) {
		delete(s.sessions, id)
		count := len(s.sessions)
		s.mu.Unlock()
		s.publishCount(count)
		return nil, ErrExpired
	}
	sess.LastActivity = now
	out := sess.clone()
	s.mu.Unlock()
	return out, nil
}

func (s *MemoryStore) idleExpired(sess *Session, now time.Time) bool {
	return s.idleTimeout > 0 && now.Sub(sess.LastActivity) > s.idleTimeout
}

// Revoke invalidates the session immediately and irreversibly.
func (s *MemoryStore) Revoke(id string) error {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	count := len(s.sessions)
	s.mu.Unlock()
	s.publishCount(count)
	if !ok {
		return ErrNotFound
	}
	return nil
}

// claim atomically removes and returns a live session. Re-issuance claims
// the old id first, so two concurrent swaps of the same session cannot both
// succeed and leave two live replacements.
func (s *MemoryStore) claim(id string) (*Session, error) {
	now := s.now().UTC()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	delete(s.sessions, id)
	count := len(s.sessions)
	if sess.Expired(now) || s.idleExpired(sess, now) {
		s.mu.Unlock()
		s.publishCount(count)
		return nil, ErrExpired
	}
	out := sess.clone()
	s.mu.Unlock()
	s.publishCount(count)
	return out, nil
}

// Revalidate re-checks the session against the role registry and re-issues it
// with a fresh role/permission snapshot. The absolute expiry is preserved, so
// revalidation never silently extends a session's lifetime. A vanished role
// means administrative revocation: the session is dropped.
func (s *MemoryStore) Revalidate(ctx context.Context, id string, roles RoleResolver) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cur, err := s.claim(id)
	if err != nil {
		return nil, err
	}
	role, err := roles.Resolve(cur.Role)
	if err != nil {
		return nil, ErrExpired
	}

	remaining := cur.ExpiresAt.Sub(s.now().UTC())
	if remaining <= 0 {
		return nil, ErrExpired
	}
	return s.Issue(cur.UserID, cur.Email, role, remaining)
}

// Refresh is the explicit sliding-expiry re-issuance: a new session with a
// full ttl and a fresh snapshot, replacing the old one.
func (s *MemoryStore) Refresh(ctx context.Context, id string, roles RoleResolver, ttl time.Duration) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cur, err := s.claim(id)
	if err != nil {
		return nil, err
	}
	role, err := roles.Resolve(cur.Role)
	if err != nil {
		return nil, ErrExpired
	}
	return s.Issue(cur.UserID, cur.Email, role, ttl)
}

// Len reports the number of stored sessions, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// PruneExpired removes expired sessions and returns how many were dropped.
// Correctness never depends on it; Validate enforces expiry lazily.
func (s *MemoryStore) PruneExpired() int {
	now := s.now().UTC()
	s.mu.Lock()
	removed := 0
	for id, sess := range s.sessions {
		if sess.Expired(now) || s.idleExpired(sess, now) {
			delete(s.sessions, id)
			removed++
		}
	}
	count := len(s.sessions)
	s.mu.Unlock()
	if removed > 0 {
		s.publishCount(count)
	}
	return removed
}

func (s *MemoryStore) publishCount(n int) {
	if s.onCount != nil {
		s.onCount(n)
	}
}
