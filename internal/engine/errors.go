package engine

import (
	"fmt"
	"time"
)

// ErrorType is the stable machine-readable classification clients branch on.
type ErrorType string

const (
	TypeAuthRequired     ErrorType = "AUTH_REQUIRED"
	TypeAuthExpired      ErrorType = "AUTH_EXPIRED"
	TypePermissionDenied ErrorType = "PERMISSION_DENIED"
	TypeRoleRequired     ErrorType = "ROLE_REQUIRED"
	TypeRateLimited      ErrorType = "RATE_LIMITED"
	TypeValidation       ErrorType = "VALIDATION_ERROR"
	TypeNotFound         ErrorType = "NOT_FOUND"
	TypeConfig           ErrorType = "CONFIG_ERROR"
	TypeInternal         ErrorType = "INTERNAL_ERROR"
)

// Error is the engine's caller-facing failure. Action is a UI hint telling
// the client what recovers the situation ("login", "retry"); it is advisory
// and never required for correctness.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Action  string    `json:"action,omitempty"`
	// ResetAt is set on RATE_LIMITED errors only.
	ResetAt time.Time `json:"reset_at,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatus maps the error type to its transport status.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeAuthRequired, TypeAuthExpired:
		return 401
	case TypePermissionDenied, TypeRoleRequired:
		return 403
	case TypeRateLimited:
		return 429
	case TypeValidation:
		return 400
	case TypeNotFound:
		return 404
	default:
		return 500
	}
}

func errAuthRequired(msg string) *Error {
	if msg == "" {
		msg = "authentication required"
	}
	return &Error{Type: TypeAuthRequired, Message: msg, Action: "login"}
}

func errAuthExpired() *Error {
	return &Error{Type: TypeAuthExpired, Message: "session expired", Action: "login"}
}

func errPermissionDenied(msg string) *Error {
	if msg == "" {
		msg = "insufficient permissions"
	}
	return &Error{Type: TypePermissionDenied, Message: msg}
}

func errRoleRequired(msg string) *Error {
	if msg == "" {
		msg = "insufficient role"
	}
	return &Error{Type: TypeRoleRequired, Message: msg}
}

func errRateLimited(resetAt time.Time) *Error {
	return &Error{
		Type:    TypeRateLimited,
		Message: "too many attempts, try again later",
		Action:  "retry",
		ResetAt: resetAt,
	}
}

func errValidation(msg string) *Error {
	return &Error{Type: TypeValidation, Message: msg}
}

func errNotFound(msg string) *Error {
	return &Error{Type: TypeNotFound, Message: msg}
}

func errConfig(msg string) *Error {
	return &Error{Type: TypeConfig, Message: msg}
}

func errInternal() *Error {
	return &Error{Type: TypeInternal, Message: "internal error", Action: "retry"}
}
