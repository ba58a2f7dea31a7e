// Package engine ties the catalog, registry, session store, guard, audit
// log, and rate guard into the operations the transport layer exposes. All
// policy decisions happen here; handlers only translate HTTP to calls.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"newstrnt.org/internal/audit"
	"newstrnt.org/internal/guard"
	"newstrnt.org/internal/obs"
	"newstrnt.org/internal/ratelimit"
	"newstrnt.org/internal/rbac"
	"newstrnt.org/internal/session"
)

const (
	defaultSessionTTL  = 8 * time.Hour
	defaultLoginMax    = 5
	defaultLoginWindow = time.Minute

	minPasswordLen = 8
)

// dummyHash keeps credential checks constant-time when the email is unknown.
// The comparison result is always discarded.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Engine is the authorization core. Construct with New; the zero value is
// not usable.
type Engine struct {
	users    UserStore
	sessions session.Store
	catalog  *rbac.Catalog
	roles    *rbac.Registry
	recorder *audit.Recorder
	auditLog audit.Log
	limiter  *ratelimit.Guard

	tokenSecret []byte
	sessionTTL  time.Duration
	loginMax    int
	loginWindow time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithSessionTTL overrides the absolute session lifetime.
func WithSessionTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sessionTTL = d
		}
	}
}

// WithLoginLimit overrides the authentication rate ceiling.
func WithLoginLimit(max int, window time.Duration) Option {
	return func(e *Engine) {
		if max > 0 {
			e.loginMax = max
		}
		if window > 0 {
			e.loginWindow = window
		}
	}
}

// New wires the engine. log receives audit entries both synchronously (auth
// outcomes) and through the async recorder (per-request access records).
func New(users UserStore, sessions session.Store, catalog *rbac.Catalog, roles *rbac.Registry, log audit.Log, tokenSecret []byte, opts ...Option) *Engine {
	e := &Engine{
		users:       users,
		sessions:    sessions,
		catalog:     catalog,
		roles:       roles,
		auditLog:    log,
		recorder:    audit.NewRecorder(log),
		limiter:     ratelimit.NewGuard(),
		tokenSecret: tokenSecret,
		sessionTTL:  defaultSessionTTL,
		loginMax:    defaultLoginMax,
		loginWindow: defaultLoginWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close flushes the async audit queue.
func (e *Engine) Close() {
	e.recorder.Close()
}

// Roles exposes the registry for the role management handlers.
func (e *Engine) Roles() *rbac.Registry { return e.roles }

// Catalog exposes the permission catalog for the read-only listing handler.
func (e *Engine) Catalog() *rbac.Catalog { return e.catalog }

// Audit exposes the log for the query, stats, export, and prune handlers.
func (e *Engine) Audit() audit.Log { return e.auditLog }

// AuditErrors surfaces async audit failures for the process log.
func (e *Engine) AuditErrors() <-chan error { return e.recorder.Errors() }

func actorOf(u *User) audit.Actor {
	return audit.Actor{UserID: u.ID, Email: u.Email, Role: u.Role}
}

func sessionActor(sess *session.Session) audit.Actor {
	return audit.Actor{UserID: sess.UserID, Email: sess.Email, Role: sess.Role}
}

// Authenticate verifies credentials and issues a session. client identifies
// the caller for rate limiting, typically the remote IP. Unknown email,
// wrong password, and deactivated account all produce the same error so the
// response cannot be used to enumerate accounts.
func (e *Engine) Authenticate(ctx context.Context, email, password, client string) (*session.Session, string, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, "", errValidation("email and password are required")
	}

	limiterKey := "login:" + client
	if res := e.limiter.Check(limiterKey, e.loginMax, e.loginWindow); !res.Allowed {
		obs.ObserveRateLimited("login")
		e.appendAudit(ctx, audit.Event{
			Action:       audit.ActionRateLimitExceeded,
			Actor:        audit.Actor{UserID: "anonymous", Email: email, Role: "NONE"},
			Details:      map[string]any{"client": client},
			ErrorMessage: "login rate limit exceeded",
		})
		return nil, "", errRateLimited(res.ResetAt)
	}

	u, err := e.users.FindByEmail(ctx, email)
	if err != nil {
		// burn the same bcrypt cost as a real comparison
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return nil, "", e.failLogin(ctx, email, client, "unknown email")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, "", e.failLogin(ctx, email, client, "wrong password")
	}
	if !u.Active {
		return nil, "", e.failLogin(ctx, email, client, "account deactivated")
	}

	role, err := e.roles.Resolve(u.Role)
	if err != nil {
		e.appendAudit(ctx, audit.Event{
			Action:       audit.ActionLoginFailed,
			Actor:        actorOf(u),
			Details:      map[string]any{"client": client},
			ErrorMessage: "role not registered: " + u.Role,
		})
		return nil, "", errConfig("account role is not registered")
	}

	sess, err := e.sessions.Issue(u.ID, u.Email, role, e.sessionTTL)
	if err != nil {
		return nil, "", errInternal()
	}
	token, err := session.SignToken(e.tokenSecret, sess)
	if err != nil {
		_ = e.sessions.Revoke(sess.ID)
		return nil, "", errInternal()
	}

	e.limiter.Reset(limiterKey)
	e.appendAudit(ctx, audit.Event{
		Action:  audit.ActionLoginSuccess,
		Actor:   actorOf(u),
		Details: map[string]any{"client": client},
		Success: true,
	})
	return sess, token, nil
}

// failLogin records the failure and returns the uniform credential error.
// The audit detail keeps the real cause; the caller never sees it.
func (e *Engine) failLogin(ctx context.Context, email, client, cause string) error {
	e.appendAudit(ctx, audit.Event{
		Action:       audit.ActionLoginFailed,
		Actor:        audit.Actor{UserID: "anonymous", Email: email, Role: "NONE"},
		Details:      map[string]any{"client": client},
		ErrorMessage: cause,
	})
	return errAuthRequired("invalid credentials")
}

// resolveToken maps a bearer token to its live session.
func (e *Engine) resolveToken(token string) (*session.Session, error) {
	id, err := session.ParseToken(e.tokenSecret, token)
	if err != nil {
		if errors.Is(err, session.ErrExpired) {
			return nil, errAuthExpired()
		}
		return nil, errAuthRequired("invalid token")
	}
	sess, err := e.sessions.Validate(id)
	if err != nil {
		if errors.Is(err, session.ErrExpired) {
			return nil, errAuthExpired()
		}
		return nil, errAuthRequired("session not found")
	}
	return sess, nil
}

// CurrentSession validates token and returns the session snapshot.
func (e *Engine) CurrentSession(ctx context.Context, token string) (*session.Session, error) {
	return e.resolveToken(token)
}

// Authorize resolves the token and evaluates req against the session.
// resource names what was being accessed, for the audit trail. The decision
// is recorded asynchronously and is never delayed by audit I/O.
func (e *Engine) Authorize(ctx context.Context, token string, req guard.Requirement, resource string) (*session.Session, guard.Decision, error) {
	sess, err := e.resolveToken(token)
	if err != nil {
		var ee *Error
		reason := string(guard.ReasonAuthRequired)
		action := audit.ActionUnauthorizedAccess
		if errors.As(err, &ee) && ee.Type == TypeAuthExpired {
			reason = string(guard.ReasonAuthExpired)
			action = audit.ActionSessionExpired
		}
		obs.ObserveDecision(false, reason)
		e.recorder.Record(audit.Event{
			Action:       action,
			Resource:     resource,
			ErrorMessage: reason,
		})
		return nil, guard.Decision{Reason: guard.Reason(reason)}, err
	}

	dec := guard.Authorize(sess, req)
	obs.ObserveDecision(dec.Allowed, string(dec.Reason))
	if !dec.Allowed {
		e.recorder.Record(audit.Event{
			Action:       audit.ActionUnauthorizedAccess,
			Actor:        sessionActor(sess),
			Resource:     resource,
			Details:      map[string]any{"missing": dec.Missing},
			ErrorMessage: string(dec.Reason),
		})
		return sess, dec, decisionError(dec)
	}

	e.recorder.Record(audit.Event{
		Action:   audit.ActionAPIAccess,
		Actor:    sessionActor(sess),
		Resource: resource,
		Success:  true,
	})
	return sess, dec, nil
}

func decisionError(dec guard.Decision) error {
	switch dec.Reason {
	case guard.ReasonAuthRequired:
		return errAuthRequired("")
	case guard.ReasonAuthExpired:
		return errAuthExpired()
	case guard.ReasonRoleRequired:
		return errRoleRequired("")
	default:
		if len(dec.Missing) > 0 {
			return errPermissionDenied("missing permission: " + strings.Join(dec.Missing, ", "))
		}
		return errPermissionDenied("")
	}
}

// Logout revokes the token's session. A token that no longer resolves is not
// an error; logout is idempotent from the client's point of view.
func (e *Engine) Logout(ctx context.Context, token string) error {
	sess, err := e.resolveToken(token)
	if err != nil {
		return nil
	}
	if err := e.sessions.Revoke(sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return errInternal()
	}
	e.appendAudit(ctx, audit.Event{
		Action:  audit.ActionLogout,
		Actor:   sessionActor(sess),
		Success: true,
	})
	return nil
}

// Revalidate re-snapshots the session's role and rotates the session id,
// keeping the absolute expiry. Use after a role redefinition to apply the
// narrowed or widened grants immediately.
func (e *Engine) Revalidate(ctx context.Context, token string) (*session.Session, string, error) {
	sess, err := e.resolveToken(token)
	if err != nil {
		return nil, "", err
	}
	fresh, err := e.sessions.Revalidate(ctx, sess.ID, e.roles)
	if err != nil {
		if errors.Is(err, session.ErrExpired) || errors.Is(err, session.ErrNotFound) {
			return nil, "", errAuthExpired()
		}
		return nil, "", errInternal()
	}
	newToken, err := session.SignToken(e.tokenSecret, fresh)
	if err != nil {
		return nil, "", errInternal()
	}
	return fresh, newToken, nil
}

// Refresh extends the session by a full lifetime under a new id and token.
func (e *Engine) Refresh(ctx context.Context, token string) (*session.Session, string, error) {
	sess, err := e.resolveToken(token)
	if err != nil {
		return nil, "", err
	}
	fresh, err := e.sessions.Refresh(ctx, sess.ID, e.roles, e.sessionTTL)
	if err != nil {
		if errors.Is(err, session.ErrExpired) || errors.Is(err, session.ErrNotFound) {
			return nil, "", errAuthExpired()
		}
		return nil, "", errInternal()
	}
	newToken, err := session.SignToken(e.tokenSecret, fresh)
	if err != nil {
		return nil, "", errInternal()
	}
	return fresh, newToken, nil
}

// ChangePassword verifies the current password and stores a new bcrypt hash.
// Throttled per user so a stolen session cannot brute-force the current
// password.
func (e *Engine) ChangePassword(ctx context.Context, token, current, next string) error {
	sess, err := e.resolveToken(token)
	if err != nil {
		return err
	}
	if len(next) < minPasswordLen {
		return errValidation("new password must be at least 8 characters")
	}

	limiterKey := "pwd:" + sess.UserID
	if res := e.limiter.Check(limiterKey, e.loginMax, e.loginWindow); !res.Allowed {
		obs.ObserveRateLimited("password")
		return errRateLimited(res.ResetAt)
	}

	u, err := e.users.FindByID(ctx, sess.UserID)
	if err != nil {
		return errNotFound("account not found")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(current)); err != nil {
		e.appendAudit(ctx, audit.Event{
			Action:       audit.ActionPasswordChange,
			Actor:        sessionActor(sess),
			ErrorMessage: "current password mismatch",
		})
		return errValidation("current password is incorrect")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return errInternal()
	}
	if err := e.users.UpdatePassword(ctx, u.ID, string(hash)); err != nil {
		return errInternal()
	}
	e.limiter.Reset(limiterKey)
	e.appendAudit(ctx, audit.Event{
		Action:  audit.ActionPasswordChange,
		Actor:   sessionActor(sess),
		Success: true,
	})
	return nil
}

// Bootstrap creates the initial super-admin account when the user store is
// empty. Re-running against a populated store is a no-op, so it is safe to
// call on every start.
func (e *Engine) Bootstrap(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	n, err := e.users.Count(ctx)
	if err != nil {
		return errInternal()
	}
	if n > 0 {
		return nil
	}
	if len(password) < minPasswordLen {
		return errValidation("bootstrap password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errInternal()
	}
	u := &User{
		Email:        email,
		Name:         "Super Admin",
		PasswordHash: string(hash),
		Role:         rbac.RoleSuperAdmin,
		Active:       true,
	}
	if err := e.users.Create(ctx, u); err != nil {
		if errors.Is(err, ErrUserExists) {
			return nil
		}
		return errInternal()
	}
	e.appendAudit(ctx, audit.Event{
		Action:  audit.ActionUserCreate,
		Actor:   actorOf(u),
		Details: map[string]any{"bootstrap": true},
		Success: true,
	})
	obs.LogEvent(map[string]any{
		"level": "info",
		"msg":   "bootstrap super admin created",
		"email": email,
	})
	return nil
}

// appendAudit writes synchronously; auth outcomes must be durable before the
// response is sent.
func (e *Engine) appendAudit(ctx context.Context, ev audit.Event) {
	if _, err := e.auditLog.Append(ctx, ev); err != nil {
		obs.ObserveAuditFailure()
		obs.LogEvent(map[string]any{
			"level":  "error",
			"msg":    "audit append failed",
			"action": string(ev.Action),
			"error":  err.Error(),
		})
		return
	}
	obs.ObserveAuditEntry(string(audit.SeverityFor(ev.Action)))
}
