package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"newstrnt.org/internal/audit"
	"newstrnt.org/internal/guard"
)

type pruneRequest struct {
	RetentionDays int `json:"retention_days"`
	MaxEntries    int `json:"max_entries"`
}

func auditFilterFromQuery(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		UserID:    q.Get("user_id"),
		UserEmail: q.Get("email"),
		UserRole:  q.Get("role"),
		Resource:  q.Get("resource"),
	}
	for _, a := range q["action"] {
		f.Actions = append(f.Actions, audit.Action(a))
	}
	for _, s := range q["severity"] {
		f.Severities = append(f.Severities, audit.Severity(s))
	}
	if v := q.Get("success"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			return audit.Filter{}, err
		}
		f.Success = &ok
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.Filter{}, err
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.Filter{}, err
		}
		f.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return audit.Filter{}, err
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return audit.Filter{}, err
		}
		f.Offset = n
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	return f, nil
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensure(w, r, guard.Requirement{Permissions: []string{"system.logs"}}, "audit") {
		return
	}
	f, err := auditFilterFromQuery(r)
	if err != nil {
		badRequest(w, r, "invalid filter: "+err.Error())
		return
	}
	entries, err := a.engine.Audit().Query(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (a *API) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensure(w, r, guard.Requirement{Permissions: []string{"system.logs"}}, "audit") {
		return
	}
	windowDays := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 365 {
			badRequest(w, r, "days must be between 1 and 365")
			return
		}
		windowDays = n
	}
	stats, err := a.engine.Audit().Stats(r.Context(), windowDays)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensure(w, r, guard.Requirement{Permissions: []string{"system.logs"}}, "audit") {
		return
	}
	f, err := auditFilterFromQuery(r)
	if err != nil {
		badRequest(w, r, "invalid filter: "+err.Error())
		return
	}
	// exports are bounded by the filter, not the default page size
	if r.URL.Query().Get("limit") == "" {
		f.Limit = 0
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition",
		`attachment; filename="audit-`+time.Now().UTC().Format("2006-01-02")+`.json"`)
	if err := audit.Export(r.Context(), a.engine.Audit(), f, w); err != nil {
		writeError(w, r, err)
	}
}

func (a *API) handleAuditPrune(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensure(w, r, guard.Requirement{Role: "SUPER_ADMIN"}, "audit") {
		return
	}
	var req pruneRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.RetentionDays <= 0 && req.MaxEntries <= 0 {
		badRequest(w, r, "retention_days or max_entries is required")
		return
	}
	removed, err := a.engine.Audit().Prune(r.Context(), audit.PruneOptions{
		RetentionDays: req.RetentionDays,
		MaxEntries:    req.MaxEntries,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
