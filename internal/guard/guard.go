// Package guard is the single decision point every privileged operation
// passes through. It combines role, level, and permission checks over a
// session's snapshot in a fixed evaluation order so callers get the most
// specific actionable denial.
package guard

import (
	"time"

	"newstrnt.org/internal/session"
)

// Reason tags a denial. The zero value means allowed.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonAuthRequired     Reason = "AUTH_REQUIRED"
	ReasonAuthExpired      Reason = "AUTH_EXPIRED"
	ReasonRoleRequired     Reason = "ROLE_REQUIRED"
	ReasonPermissionDenied Reason = "PERMISSION_DENIED"
)

// Requirement describes what a call site demands. Fields are combined:
// a specific role, a minimum level, and a permission set (any-of by default,
// all-of when All is set) may all be present.
type Requirement struct {
	// Role names a specific required role, matched by exact name.
	Role string
	// MinLevel is the minimum role level; zero means no level requirement.
	MinLevel int
	// Permissions to check against the session snapshot.
	Permissions []string
	// All requires every permission instead of at least one.
	All bool
}

// Decision is the guard verdict.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	// Missing lists the unmet permissions for PERMISSION_DENIED verdicts.
	Missing []string `json:"missing,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason Reason, missing ...string) Decision {
	return Decision{Reason: reason, Missing: missing}
}

// Authorize evaluates req against sess at the current time.
func Authorize(sess *session.Session, req Requirement) Decision {
	return AuthorizeAt(sess, req, time.Now().UTC())
}

// AuthorizeAt is Authorize with an explicit clock.
//
// The order is load-bearing: missing session, expired session, super-admin
// bypass, role, minimum level, then permissions. Role and level are checked
// before permissions so a caller combining "role X or permission Y" gets a
// deterministic short-circuit and a user failing only the level check is
// never told about permissions they were not evaluated against.
func AuthorizeAt(sess *session.Session, req Requirement, now time.Time) Decision {
	if sess == nil {
		return deny(ReasonAuthRequired)
	}
	if sess.Expired(now) {
		return deny(ReasonAuthExpired)
	}
	if sess.SuperAdmin {
		return allow()
	}
	if req.Role != "" && sess.Role != req.Role {
		return deny(ReasonRoleRequired)
	}
	if req.MinLevel > 0 && !sess.HasMinLevel(req.MinLevel) {
		return deny(ReasonRoleRequired)
	}
	if len(req.Permissions) > 0 {
		if req.All {
			if !sess.HasAllPermissions(req.Permissions...) {
				return deny(ReasonPermissionDenied, missing(sess, req.Permissions)...)
			}
		} else if !sess.HasAnyPermission(req.Permissions...) {
			return deny(ReasonPermissionDenied, missing(sess, req.Permissions)...)
		}
	}
	return allow()
}

func missing(sess *session.Session, names []string) []string {
	var out []string
	for _, name := range names {
		if !sess.HasPermission(name) {
			out = append(out, name)
		}
	}
	return out
}
