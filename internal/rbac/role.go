package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Role is a named, leveled bundle of resolved permissions. The permission set
// is materialized at definition time; runtime checks are O(1) set lookups and
// never re-run pattern matching.
type Role struct {
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	Level       int       `json:"level"`
	System      bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	perms map[string]struct{}
}

// IsSuperAdmin reports whether the role carries the reserved wildcard grant.
// The wildcard is the single authoritative super-admin marker; nothing is
// ever inferred from the numeric level.
func (r *Role) IsSuperAdmin() bool {
	if r == nil {
		return false
	}
	_, ok := r.perms[Wildcard]
	return ok
}

// HasPermission reports whether the role holds the named permission. The
// wildcard grant satisfies everything; a "<resource>.manage" grant satisfies
// any permission under that resource.
func (r *Role) HasPermission(name string) bool {
	if r == nil {
		return false
	}
	if _, ok := r.perms[Wildcard]; ok {
		return true
	}
	if _, ok := r.perms[name]; ok {
		return true
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		if _, ok := r.perms[name[:i]+".manage"]; ok {
			return true
		}
	}
	return false
}

// HasAnyPermission reports whether the role holds at least one of names.
func (r *Role) HasAnyPermission(names ...string) bool {
	for _, name := range names {
		if r.HasPermission(name) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether the role holds every one of names.
func (r *Role) HasAllPermissions(names ...string) bool {
	for _, name := range names {
		if !r.HasPermission(name) {
			return false
		}
	}
	return true
}

// HasMinLevel reports whether the role's level meets threshold.
func (r *Role) HasMinLevel(threshold int) bool {
	return r != nil && r.Level >= threshold
}

// CanManage reports whether this role may administer target. Super admins
// manage everything; everyone else needs strictly higher level and may never
// touch a system role.
func (r *Role) CanManage(target *Role) bool {
	if r == nil || target == nil {
		return false
	}
	if r.IsSuperAdmin() {
		return true
	}
	if target.System {
		return false
	}
	return r.Level > target.Level
}

// Permissions returns the resolved permission identities, sorted.
func (r *Role) Permissions() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.perms))
	for name := range r.perms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefineRole is the input to Registry.Define. Patterns are either literal
// permission names or "<resource>.*" wildcards expanded against the catalog.
type DefineRole struct {
	Name        string
	Slug        string
	Description string
	Level       int
	System      bool
	Patterns    []string
}

// Grants persists role definitions. SaveRole stores the metadata row;
// ReplaceRolePermissions must drop the prior grant set and insert the new
// one in a single transaction.
type Grants interface {
	SaveRole(ctx context.Context, role *Role) error
	ReplaceRolePermissions(ctx context.Context, role string, perms []string) error
}

// Registry resolves and holds roles. Reads vastly outnumber writes; role
// replacement swaps a fully-built Role under the write lock so concurrent
// readers observe either the old or the new set, never a partial one.
type Registry struct {
	catalog *Catalog
	grants  Grants

	mu    sync.RWMutex
	roles map[string]*Role
	now   func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithGrants attaches a persistence hook for resolved permission sets.
func WithGrants(g Grants) RegistryOption {
	return func(r *Registry) { r.grants = g }
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry constructs a Registry over catalog.
func NewRegistry(catalog *Catalog, opts ...RegistryOption) *Registry {
	reg := &Registry{
		catalog: catalog,
		roles:   make(map[string]*Role),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// Define creates or redefines a role, expanding its patterns against the
// current catalog snapshot. Expansion is idempotent: re-running Define with
// an unchanged catalog yields an identical set. The resolved set fully
// replaces any prior set; a literal pattern with no catalog match fails the
// whole definition with ErrConfig.
func (g *Registry) Define(ctx context.Context, def DefineRole) (*Role, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	slug := strings.TrimSpace(def.Slug)
	if slug == "" {
		slug = strings.ToLower(strings.ReplaceAll(name, "_", "-"))
	}

	perms, err := g.expand(def.Patterns)
	if err != nil {
		return nil, err
	}

	now := g.now().UTC()
	role := &Role{
		Name:        name,
		Slug:        slug,
		Description: strings.TrimSpace(def.Description),
		Level:       def.Level,
		System:      def.System,
		CreatedAt:   now,
		UpdatedAt:   now,
		perms:       perms,
	}

	if g.grants != nil {
		if err := g.grants.SaveRole(ctx, role); err != nil {
			return nil, fmt.Errorf("persist role %s: %w", name, err)
		}
		sorted := make([]string, 0, len(perms))
		for p := range perms {
			sorted = append(sorted, p)
		}
		sort.Strings(sorted)
		if err := g.grants.ReplaceRolePermissions(ctx, name, sorted); err != nil {
			return nil, fmt.Errorf("persist grants for role %s: %w", name, err)
		}
	}

	g.mu.Lock()
	if prev, ok := g.roles[name]; ok {
		role.CreatedAt = prev.CreatedAt
	}
	g.roles[name] = role
	g.mu.Unlock()
	return role, nil
}

// expand resolves patterns against one catalog snapshot. Wildcard patterns
// match every cataloged permission under the resource prefix; literal
// patterns require an exact catalog entry.
func (g *Registry) expand(patterns []string) (map[string]struct{}, error) {
	known := g.catalog.names()
	perms := make(map[string]struct{}, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if pattern == Wildcard {
			perms[Wildcard] = struct{}{}
			continue
		}
		if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
			if !validSegment(prefix) {
				return nil, fmt.Errorf("%w: malformed pattern %q", ErrInvalidInput, pattern)
			}
			for _, name := range known {
				if strings.HasPrefix(name, prefix+".") {
					perms[name] = struct{}{}
				}
			}
			continue
		}
		if _, _, err := ParsePermissionName(pattern); err != nil {
			return nil, err
		}
		if _, err := g.catalog.Lookup(pattern); err != nil {
			return nil, fmt.Errorf("%w: pattern %q matches no cataloged permission", ErrConfig, pattern)
		}
		perms[pattern] = struct{}{}
	}
	return perms, nil
}

// Resolve returns the role registered under name.
func (g *Registry) Resolve(name string) (*Role, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	role, ok := g.roles[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: role %q", ErrNotFound, name)
	}
	return role, nil
}

// List returns all roles ordered by descending level.
func (g *Registry) List() []*Role {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Role, 0, len(g.roles))
	for _, role := range g.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level > out[j].Level
		}
		return out[i].Name < out[j].Name
	})
	return out
}
