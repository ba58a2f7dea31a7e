package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"newstrnt.org/internal/engine"
	"newstrnt.org/internal/guard"
	"newstrnt.org/internal/rbac"
)

type defineRoleRequest struct {
	Name        string   `json:"name"`
	Slug        string   `json:"slug"`
	Description string   `json:"description"`
	Level       int      `json:"level"`
	Patterns    []string `json:"patterns"`
}

type authzCheckRequest struct {
	Role        string   `json:"role"`
	MinLevel    int      `json:"min_level"`
	Permissions []string `json:"permissions"`
	All         bool     `json:"all"`
	Resource    string   `json:"resource"`
}

type roleView struct {
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	Level       int       `json:"level"`
	System      bool      `json:"is_system"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func viewOfRole(role *rbac.Role) roleView {
	return roleView{
		Name:        role.Name,
		Slug:        role.Slug,
		Description: role.Description,
		Level:       role.Level,
		System:      role.System,
		Permissions: role.Permissions(),
		CreatedAt:   role.CreatedAt,
		UpdatedAt:   role.UpdatedAt,
	}
}

// ensure runs the guard for a management endpoint. The failed attempt is
// already audited by the engine; here we only translate the denial.
func (a *API) ensure(w http.ResponseWriter, r *http.Request, req guard.Requirement, resource string) bool {
	if _, _, err := a.engine.Authorize(r.Context(), TokenFromContext(r.Context()), req, resource); err != nil {
		writeError(w, r, err)
		return false
	}
	return true
}

func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req authzCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	resource := req.Resource
	if resource == "" {
		resource = "authz.check"
	}
	_, dec, err := a.engine.Authorize(r.Context(), TokenFromContext(r.Context()), guard.Requirement{
		Role:        req.Role,
		MinLevel:    req.MinLevel,
		Permissions: req.Permissions,
		All:         req.All,
	}, resource)
	if err != nil {
		var ee *engine.Error
		// a denial is a valid answer to the question, not a request failure
		if errors.As(err, &ee) && (ee.Type == engine.TypePermissionDenied || ee.Type == engine.TypeRoleRequired) {
			writeJSON(w, http.StatusOK, dec)
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensure(w, r, guard.Requirement{Permissions: []string{"roles.read"}}, "permissions") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"permissions": a.engine.Catalog().List(),
	})
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensure(w, r, guard.Requirement{Permissions: []string{"roles.read"}}, "roles") {
			return
		}
		roles := a.engine.Roles().List()
		views := make([]roleView, 0, len(roles))
		for _, role := range roles {
			views = append(views, viewOfRole(role))
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": views})

	case http.MethodPost:
		if !a.ensure(w, r, guard.Requirement{Permissions: []string{"roles.create", "roles.update"}}, "roles") {
			return
		}
		var req defineRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			badRequest(w, r, err.Error())
			return
		}
		if err := a.checkRoleHierarchy(r, req); err != nil {
			writeError(w, r, err)
			return
		}
		role, err := a.engine.Roles().Define(r.Context(), rbac.DefineRole{
			Name:        req.Name,
			Slug:        req.Slug,
			Description: req.Description,
			Level:       req.Level,
			Patterns:    req.Patterns,
		})
		if err != nil {
			writeError(w, r, defineError(err))
			return
		}
		w.Header().Set("Location", "/v1/roles/"+role.Name)
		writeJSON(w, http.StatusCreated, viewOfRole(role))

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// checkRoleHierarchy enforces the management hierarchy on role definitions:
// below super admin, a caller may only place roles strictly under their own
// level and may never redefine a system role.
func (a *API) checkRoleHierarchy(r *http.Request, req defineRoleRequest) error {
	sess := SessionFromContext(r.Context())
	if sess == nil || sess.SuperAdmin {
		return nil
	}
	if req.Level >= sess.RoleLevel {
		return &engine.Error{
			Type:    engine.TypePermissionDenied,
			Message: "cannot define a role at or above your own level",
		}
	}
	existing, err := a.engine.Roles().Resolve(req.Name)
	if err != nil {
		return nil
	}
	caller, err := a.engine.Roles().Resolve(sess.Role)
	if err != nil || !caller.CanManage(existing) {
		return &engine.Error{
			Type:    engine.TypePermissionDenied,
			Message: "cannot redefine this role",
		}
	}
	return nil
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, r, &engine.Error{Type: engine.TypeNotFound, Message: "resource not found"})
		return
	}
	if !a.ensure(w, r, guard.Requirement{Permissions: []string{"roles.read"}}, "roles") {
		return
	}
	role, err := a.engine.Roles().Resolve(name)
	if err != nil {
		writeError(w, r, &engine.Error{Type: engine.TypeNotFound, Message: "role not found"})
		return
	}
	writeJSON(w, http.StatusOK, viewOfRole(role))
}

func defineError(err error) error {
	switch {
	case errors.Is(err, rbac.ErrInvalidInput):
		return &engine.Error{Type: engine.TypeValidation, Message: err.Error()}
	case errors.Is(err, rbac.ErrConfig):
		return &engine.Error{Type: engine.TypeConfig, Message: err.Error()}
	case errors.Is(err, rbac.ErrNotFound):
		return &engine.Error{Type: engine.TypeNotFound, Message: err.Error()}
	default:
		return err
	}
}
