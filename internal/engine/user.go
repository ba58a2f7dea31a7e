package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound = errors.New("engine: user not found")
	ErrUserExists   = errors.New("engine: user already exists")
)

// User is an account the engine can authenticate. PasswordHash is a bcrypt
// hash and never leaves the store layer.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserStore is the account lookup contract. Emails are matched
// case-insensitively.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
	Create(ctx context.Context, u *User) error
	UpdatePassword(ctx context.Context, id, hash string) error
	Count(ctx context.Context) (int, error)
}

// MemoryUsers is the in-process UserStore used by tests and single-node
// deployments without Postgres.
type MemoryUsers struct {
	mu      sync.RWMutex
	byEmail map[string]*User
	byID    map[string]*User
	now     func() time.Time
}

// NewMemoryUsers constructs an empty store.
func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{
		byEmail: make(map[string]*User),
		byID:    make(map[string]*User),
		now:     time.Now,
	}
}

var _ UserStore = (*MemoryUsers)(nil)

func (m *MemoryUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryUsers) FindByID(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// Create assigns an id when absent and stores the user.
func (m *MemoryUsers) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(u.Email)
	if _, ok := m.byEmail[key]; ok {
		return ErrUserExists
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := m.now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	m.byEmail[key] = &cp
	m.byID[cp.ID] = &cp
	return nil
}

func (m *MemoryUsers) UpdatePassword(ctx context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryUsers) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID), nil
}
