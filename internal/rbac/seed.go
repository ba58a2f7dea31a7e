package rbac

import "context"

type seedPermission struct {
	Resource    string
	Action      string
	Description string
}

// BuiltinPermissions is the platform permission catalog. Seeded at startup;
// administrators may register additional, non-system permissions later.
var BuiltinPermissions = []seedPermission{
	{"articles", "create", "Create new articles"},
	{"articles", "read", "View articles"},
	{"articles", "update", "Edit articles"},
	{"articles", "delete", "Delete articles"},
	{"articles", "publish", "Publish/unpublish articles"},
	{"articles", "manage", "Full article management"},

	{"categories", "create", "Create categories"},
	{"categories", "read", "View categories"},
	{"categories", "update", "Edit categories"},
	{"categories", "delete", "Delete categories"},

	{"webstories", "create", "Create web stories"},
	{"webstories", "read", "View web stories"},
	{"webstories", "update", "Edit web stories"},
	{"webstories", "delete", "Delete web stories"},
	{"webstories", "publish", "Publish web stories"},

	{"users", "read", "View user accounts"},
	{"users", "update", "Edit user accounts"},
	{"users", "delete", "Delete user accounts"},
	{"users", "manage", "Full user management"},

	{"comments", "read", "View comments"},
	{"comments", "moderate", "Approve/reject comments"},
	{"comments", "delete", "Delete comments"},

	{"media", "upload", "Upload media files"},
	{"media", "read", "View media library"},
	{"media", "delete", "Delete media files"},

	{"analytics", "read", "View analytics dashboards"},
	{"analytics", "export", "Export analytics data"},

	{"market", "read", "View market data"},
	{"market", "manage", "Manage market configs"},

	{"admins", "create", "Create admin accounts"},
	{"admins", "read", "View admin accounts"},
	{"admins", "update", "Edit admin accounts"},
	{"admins", "delete", "Delete admin accounts"},

	{"roles", "create", "Create roles"},
	{"roles", "read", "View roles"},
	{"roles", "update", "Edit roles"},
	{"roles", "delete", "Delete roles"},
	{"roles", "assign", "Assign roles to admins"},

	{"system", "settings", "Manage system settings"},
	{"system", "backups", "Manage system backups"},
	{"system", "integrations", "Manage integrations"},
	{"system", "logs", "View audit logs"},

	{"newsletter", "manage", "Manage newsletters and templates"},

	{"advertising", "read", "View ad campaigns"},
	{"advertising", "manage", "Manage advertising"},

	{"site", "read", "View site configuration"},
	{"site", "manage", "Manage site configuration"},
}

// Builtin role names.
const (
	RoleSuperAdmin = "SUPER_ADMIN"
	RoleAdmin      = "ADMIN"
	RoleEditor     = "EDITOR"
	RoleAuthor     = "AUTHOR"
	RoleModerator  = "MODERATOR"
	RoleAnalyst    = "ANALYST"
	RoleViewer     = "VIEWER"
)

// BuiltinRoles is the platform role hierarchy, highest level first.
var BuiltinRoles = []DefineRole{
	{
		Name:        RoleSuperAdmin,
		Slug:        "super-admin",
		Description: "Full system access. Can manage all settings, users, and content.",
		Level:       100,
		System:      true,
		Patterns:    []string{Wildcard},
	},
	{
		Name:        RoleAdmin,
		Slug:        "admin",
		Description: "Full administrative access (below Super Admin)",
		Level:       80,
		System:      true,
		Patterns: []string{
			"articles.*", "categories.*", "webstories.*", "users.*",
			"comments.*", "media.*", "analytics.*", "market.*",
			"admins.read", "admins.update",
			"roles.read", "newsletter.*", "advertising.*", "site.*",
			"system.settings", "system.logs",
		},
	},
	{
		Name:        RoleEditor,
		Slug:        "editor",
		Description: "Content management: create, edit, publish articles and stories",
		Level:       60,
		System:      true,
		Patterns: []string{
			"articles.create", "articles.read", "articles.update", "articles.publish",
			"categories.read", "categories.update",
			"webstories.create", "webstories.read", "webstories.update", "webstories.publish",
			"comments.read", "comments.moderate",
			"media.upload", "media.read",
			"analytics.read",
		},
	},
	{
		Name:        RoleAuthor,
		Slug:        "author",
		Description: "Create and edit own content, cannot publish",
		Level:       40,
		System:      true,
		Patterns: []string{
			"articles.create", "articles.read", "articles.update",
			"webstories.create", "webstories.read", "webstories.update",
			"categories.read",
			"media.upload", "media.read",
		},
	},
	{
		Name:        RoleModerator,
		Slug:        "moderator",
		Description: "Moderate content and comments",
		Level:       30,
		System:      true,
		Patterns: []string{
			"articles.read",
			"comments.read", "comments.moderate", "comments.delete",
			"users.read",
			"media.read",
			"analytics.read",
		},
	},
	{
		Name:        RoleAnalyst,
		Slug:        "analyst",
		Description: "View analytics, reports, and market data",
		Level:       20,
		System:      true,
		Patterns: []string{
			"analytics.read", "analytics.export",
			"articles.read",
			"market.read",
			"users.read",
		},
	},
	{
		Name:        RoleViewer,
		Slug:        "viewer",
		Description: "Read-only access to admin dashboard",
		Level:       10,
		System:      true,
		Patterns: []string{
			"articles.read",
			"categories.read",
			"webstories.read",
			"analytics.read",
			"market.read",
		},
	},
}

// Seed registers the builtin catalog and defines the builtin roles. Safe to
// re-run; registration is idempotent and role resolution fully replaces any
// prior grant sets.
func Seed(ctx context.Context, catalog *Catalog, registry *Registry) error {
	for _, p := range BuiltinPermissions {
		if _, err := catalog.Register(p.Resource, p.Action, p.Description, true); err != nil {
			return err
		}
	}
	for _, def := range BuiltinRoles {
		if _, err := registry.Define(ctx, def); err != nil {
			return err
		}
	}
	return nil
}
