package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"newstrnt.org/internal/rbac"
)

var _ rbac.Grants = (*Store)(nil)

// ReplaceRolePermissions swaps the role's grant set in one transaction. The
// role and permission rows are upserted first so a definition arriving
// before the seed migration still lands; delete-then-insert keeps the
// operation idempotent.
func (s *Store) ReplaceRolePermissions(ctx context.Context, role string, perms []string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	slug := strings.ToLower(strings.ReplaceAll(role, "_", "-"))
	if _, err := tx.ExecContext(ctx, `
		insert into roles (name, slug)
		values ($1, $2)
		on conflict (name) do nothing
	`, role, slug); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_name = $1`, role); err != nil {
		return err
	}

	for _, name := range perms {
		if name == rbac.Wildcard {
			// the wildcard is a role marker, not a catalog row
			if _, err := tx.ExecContext(ctx, `
				insert into role_permissions (role_name, permission_name)
				values ($1, $2)
				on conflict do nothing
			`, role, name); err != nil {
				return err
			}
			continue
		}
		resource, action, err := rbac.ParsePermissionName(name)
		if err != nil {
			return fmt.Errorf("replace grants for %s: %w", role, err)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (name, resource, action)
			values ($1, $2, $3)
			on conflict (name) do nothing
		`, name, resource, action); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_name, permission_name)
			values ($1, $2)
			on conflict do nothing
		`, role, name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveRole persists role metadata so level and description survive restarts.
func (s *Store) SaveRole(ctx context.Context, role *rbac.Role) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into roles (name, slug, description, level, system)
		values ($1, $2, $3, $4, $5)
		on conflict (name) do update
		set slug = excluded.slug,
		    description = excluded.description,
		    level = excluded.level,
		    system = excluded.system,
		    updated_at = now()
	`, role.Name, role.Slug, role.Description, role.Level, role.System)
	return err
}
