package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("rbac: not found")
	ErrConflict     = errors.New("rbac: already exists")
	ErrInvalidInput = errors.New("rbac: invalid input")
	// ErrConfig marks a role definition that references permissions the
	// catalog does not hold. Fatal at definition time, never deferred.
	ErrConfig = errors.New("rbac: configuration error")
)

// Permission is an atomic (resource, action) capability. Name is the unique
// identity "<resource>.<action>". Permissions are immutable once registered;
// only the description may change.
type Permission struct {
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	System      bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
}

// Wildcard is the reserved grant that bypasses every permission check.
const Wildcard = "*"

// PermissionName builds the canonical "<resource>.<action>" identity.
func PermissionName(resource, action string) string {
	return resource + "." + action
}

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

// ParsePermissionName splits and validates a permission identity. Names are
// lowercase, dot-delimited, exactly two segments.
func ParsePermissionName(name string) (resource, action string, err error) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 || !validSegment(parts[0]) || !validSegment(parts[1]) {
		return "", "", fmt.Errorf("%w: malformed permission name %q", ErrInvalidInput, name)
	}
	return parts[0], parts[1], nil
}

// Catalog is the authoritative set of registered permissions. It is an
// explicit store object, injected into the registry and the engine, so tests
// get a fresh catalog each.
type Catalog struct {
	mu    sync.RWMutex
	perms map[string]*Permission
	now   func() time.Time
}

// NewCatalog constructs an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		perms: make(map[string]*Permission),
		now:   time.Now,
	}
}

// Register adds a permission or, when the (resource, action) identity already
// exists, updates its description only. Re-registering never creates a
// duplicate identity.
func (c *Catalog) Register(resource, action, description string, system bool) (Permission, error) {
	resource = strings.ToLower(strings.TrimSpace(resource))
	action = strings.ToLower(strings.TrimSpace(action))
	if !validSegment(resource) || !validSegment(action) {
		return Permission{}, fmt.Errorf("%w: invalid resource/action %q.%q", ErrInvalidInput, resource, action)
	}
	name := PermissionName(resource, action)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.perms[name]; ok {
		existing.Description = description
		return *existing, nil
	}
	perm := &Permission{
		Name:        name,
		Resource:    resource,
		Action:      action,
		Description: description,
		System:      system,
		CreatedAt:   c.now().UTC(),
	}
	c.perms[name] = perm
	return *perm, nil
}

// Lookup returns the permission registered under name.
func (c *Catalog) Lookup(name string) (Permission, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	perm, ok := c.perms[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Permission{}, fmt.Errorf("%w: permission %q", ErrNotFound, name)
	}
	return *perm, nil
}

// List returns every registered permission ordered by name.
func (c *Catalog) List() []Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Permission, 0, len(c.perms))
	for _, p := range c.perms {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// names returns the current identity set. Used by the registry during
// pattern expansion so a definition resolves against a single snapshot.
func (c *Catalog) names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.perms))
	for name := range c.perms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
