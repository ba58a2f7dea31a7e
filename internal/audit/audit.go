// Package audit is the append-only record of every privileged action
// attempt, approved or denied. Severity is derived from the action through a
// fixed table so classification stays trustworthy even when calling code is
// buggy.
package audit

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput = errors.New("audit: invalid input")
	// ErrQueueFull is surfaced on the recorder's error channel when the
	// async queue overflows. The caller's verdict is never affected.
	ErrQueueFull = errors.New("audit: queue full, entry dropped")
	// ErrClosed is surfaced when an event arrives after Close; late events
	// during shutdown are dropped, not a crash.
	ErrClosed = errors.New("audit: recorder closed, entry dropped")
)

// Action tags an auditable event.
type Action string

const (
	// Authentication
	ActionLoginSuccess      Action = "LOGIN_SUCCESS"
	ActionLoginFailed       Action = "LOGIN_FAILED"
	ActionLogout            Action = "LOGOUT"
	ActionSessionExpired    Action = "SESSION_EXPIRED"
	ActionPasswordChange    Action = "PASSWORD_CHANGE"
	ActionMFAEnabled        Action = "MFA_ENABLED"
	ActionMFADisabled       Action = "MFA_DISABLED"

	// User management
	ActionUserCreate       Action = "USER_CREATE"
	ActionUserUpdate       Action = "USER_UPDATE"
	ActionUserDelete       Action = "USER_DELETE"
	ActionUserBan          Action = "USER_BAN"
	ActionUserUnban        Action = "USER_UNBAN"
	ActionUserStatusChange Action = "USER_STATUS_CHANGE"
	ActionUserBulkAction   Action = "USER_BULK_ACTION"
	ActionRoleAssign       Action = "ROLE_ASSIGN"
	ActionRoleRevoke       Action = "ROLE_REVOKE"
	ActionRoleChange       Action = "ROLE_CHANGE"
	ActionPermissionGrant  Action = "PERMISSION_GRANT"
	ActionPermissionRevoke Action = "PERMISSION_REVOKE"

	// Content management
	ActionArticleCreate    Action = "ARTICLE_CREATE"
	ActionArticleUpdate    Action = "ARTICLE_UPDATE"
	ActionArticleDelete    Action = "ARTICLE_DELETE"
	ActionArticlePublish   Action = "ARTICLE_PUBLISH"
	ActionArticleUnpublish Action = "ARTICLE_UNPUBLISH"
	ActionArticleRestore   Action = "ARTICLE_RESTORE"
	ActionCategoryCreate   Action = "CATEGORY_CREATE"
	ActionCategoryUpdate   Action = "CATEGORY_UPDATE"
	ActionCategoryDelete   Action = "CATEGORY_DELETE"

	// System
	ActionConfigUpdate       Action = "CONFIG_UPDATE"
	ActionConfigChange       Action = "CONFIG_CHANGE"
	ActionSystemBackup       Action = "SYSTEM_BACKUP"
	ActionSystemRestore      Action = "SYSTEM_RESTORE"
	ActionAPIAccess          Action = "API_ACCESS"
	ActionUnauthorizedAccess Action = "UNAUTHORIZED_ACCESS"
	ActionRateLimitExceeded  Action = "RATE_LIMIT_EXCEEDED"
)

// Severity classifies an entry. Derived from the action, never chosen by the
// caller.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

var actionSeverity = map[Action]Severity{
	ActionLoginSuccess:   SeverityInfo,
	ActionLoginFailed:    SeverityWarning,
	ActionLogout:         SeverityInfo,
	ActionSessionExpired: SeverityInfo,
	ActionPasswordChange: SeverityWarning,
	ActionMFAEnabled:     SeverityInfo,
	ActionMFADisabled:    SeverityWarning,

	ActionUserCreate:       SeverityInfo,
	ActionUserUpdate:       SeverityInfo,
	ActionUserDelete:       SeverityCritical,
	ActionUserBan:          SeverityWarning,
	ActionUserUnban:        SeverityInfo,
	ActionUserStatusChange: SeverityWarning,
	ActionUserBulkAction:   SeverityWarning,
	ActionRoleAssign:       SeverityWarning,
	ActionRoleRevoke:       SeverityWarning,
	ActionRoleChange:       SeverityWarning,
	ActionPermissionGrant:  SeverityCritical,
	ActionPermissionRevoke: SeverityCritical,

	ActionArticleCreate:    SeverityInfo,
	ActionArticleUpdate:    SeverityInfo,
	ActionArticleDelete:    SeverityWarning,
	ActionArticlePublish:   SeverityInfo,
	ActionArticleUnpublish: SeverityInfo,
	ActionArticleRestore:   SeverityInfo,
	ActionCategoryCreate:   SeverityInfo,
	ActionCategoryUpdate:   SeverityInfo,
	ActionCategoryDelete:   SeverityWarning,

	ActionConfigUpdate:       SeverityCritical,
	ActionConfigChange:       SeverityCritical,
	ActionSystemBackup:       SeverityInfo,
	ActionSystemRestore:      SeverityCritical,
	ActionAPIAccess:          SeverityInfo,
	ActionUnauthorizedAccess: SeverityCritical,
	ActionRateLimitExceeded:  SeverityWarning,
}

// SeverityFor returns the fixed severity for action. Unknown actions are
// classified WARNING so a typo never hides an event below the alerting bar.
func SeverityFor(action Action) Severity {
	if sev, ok := actionSeverity[action]; ok {
		return sev
	}
	return SeverityWarning
}

// Actor identifies who attempted the action.
type Actor struct {
	UserID string `json:"user_id"`
	Email  string `json:"user_email"`
	Role   string `json:"user_role"`
}

// Anonymous is the actor recorded for unauthenticated attempts.
var Anonymous = Actor{UserID: "anonymous", Email: "anonymous", Role: "NONE"}

// Entry is immutable once appended. The only lifecycle event besides
// creation is pruning, which removes entries but never rewrites survivors.
type Entry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       Action         `json:"action"`
	Severity     Severity       `json:"severity"`
	UserID       string         `json:"user_id"`
	UserEmail    string         `json:"user_email"`
	UserRole     string         `json:"user_role"`
	Resource     string         `json:"resource,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	OldValues    map[string]any `json:"old_values,omitempty"`
	NewValues    map[string]any `json:"new_values,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Event is the caller-facing input to Record; everything derived (id,
// timestamp, severity) is filled in by the log.
type Event struct {
	Action       Action
	Actor        Actor
	Resource     string
	ResourceID   string
	Details      map[string]any
	OldValues    map[string]any
	NewValues    map[string]any
	Success      bool
	ErrorMessage string
}

func (e Event) entry(id string, ts time.Time) Entry {
	actor := e.Actor
	if actor.UserID == "" {
		actor = Anonymous
	}
	return Entry{
		ID:           id,
		Timestamp:    ts,
		Action:       e.Action,
		Severity:     SeverityFor(e.Action),
		UserID:       actor.UserID,
		UserEmail:    actor.Email,
		UserRole:     actor.Role,
		Resource:     e.Resource,
		ResourceID:   e.ResourceID,
		Details:      e.Details,
		OldValues:    e.OldValues,
		NewValues:    e.NewValues,
		Success:      e.Success,
		ErrorMessage: e.ErrorMessage,
	}
}
