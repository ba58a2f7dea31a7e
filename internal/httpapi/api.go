// Package httpapi is the HTTP surface over the authorization engine.
// Handlers translate requests into engine calls; every policy decision
// lives behind the engine boundary.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"newstrnt.org/internal/engine"
	"newstrnt.org/internal/obs"
)

const maxBodyBytes = 1 << 20

// ReadyProbe reports backend readiness, typically a database ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	engine     *engine.Engine
	readyProbe ReadyProbe
	version    string

	ratePerSec float64
	rateBurst  int
}

// Option configures the API.
type Option func(*API)

// WithRateLimit overrides the per-IP request ceiling.
func WithRateLimit(perSec float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSec
		a.rateBurst = burst
	}
}

func New(eng *engine.Engine, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		engine:     eng,
		readyProbe: rp,
		version:    version,
		ratePerSec: 50,
		rateBurst:  100,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// authentication
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/session", a.handleSession)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/revalidate", a.handleRevalidate)
	a.mux.HandleFunc("/v1/auth/password", a.handlePassword)

	// authorization
	a.mux.HandleFunc("/v1/authz/check", a.handleAuthzCheck)

	// catalog and roles
	a.mux.HandleFunc("/v1/permissions", a.handlePermissions)
	a.mux.HandleFunc("/v1/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/roles/", a.handleRole)

	// audit trail
	a.mux.HandleFunc("/v1/audit/logs", a.handleAuditLogs)
	a.mux.HandleFunc("/v1/audit/stats", a.handleAuditStats)
	a.mux.HandleFunc("/v1/audit/export", a.handleAuditExport)
	a.mux.HandleFunc("/v1/audit/prune", a.handleAuditPrune)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withSession(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = LoggingJSON(h)
	h = RequestID(h)
	h = CORS(h)
	h = SecurityHeaders(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "newstrnt-authz",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "newstrnt-authz",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the uniform failure envelope. Engine errors carry
// their own type and recovery hint; anything else is reported as internal.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *engine.Error
	if !errors.As(err, &ee) {
		ee = &engine.Error{Type: engine.TypeInternal, Message: "internal error"}
	}
	if ee.Type == engine.TypeRateLimited && !ee.ResetAt.IsZero() {
		retry := time.Until(ee.ResetAt).Seconds()
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retry)))
	}
	payload := map[string]any{
		"error": ee,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, ee.HTTPStatus(), payload)
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, &engine.Error{Type: engine.TypeValidation, Message: msg})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"error": map[string]any{
			"type":    "VALIDATION_ERROR",
			"message": "method not allowed",
		},
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
