package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"newstrnt.org/internal/audit"
	"newstrnt.org/internal/ids"
)

var _ audit.Log = (*Store)(nil)

// Append derives id, timestamp, and severity server-side so rows cannot be
// backdated or misclassified by callers.
func (s *Store) Append(ctx context.Context, ev audit.Event) (audit.Entry, error) {
	if s.db == nil {
		return audit.Entry{}, errors.New("database connection unavailable")
	}
	if ev.Action == "" {
		return audit.Entry{}, audit.ErrInvalidInput
	}
	entry := buildEntry(ev)

	details, err := marshalMap(ev.Details)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("marshal details: %w", err)
	}
	oldVals, err := marshalMap(ev.OldValues)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("marshal old values: %w", err)
	}
	newVals, err := marshalMap(ev.NewValues)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("marshal new values: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		insert into audit_entries
			(id, ts, action, severity, user_id, user_email, user_role,
			 resource, resource_id, details, old_values, new_values, success, error_message)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, entry.ID, entry.Timestamp, string(entry.Action), string(entry.Severity),
		entry.UserID, entry.UserEmail, entry.UserRole,
		entry.Resource, entry.ResourceID, details, oldVals, newVals,
		entry.Success, entry.ErrorMessage)
	if err != nil {
		return audit.Entry{}, err
	}
	return entry, nil
}

func buildEntry(ev audit.Event) audit.Entry {
	actor := ev.Actor
	if actor.UserID == "" {
		actor = audit.Anonymous
	}
	return audit.Entry{
		ID:           ids.New(),
		Timestamp:    time.Now().UTC(),
		Action:       ev.Action,
		Severity:     audit.SeverityFor(ev.Action),
		UserID:       actor.UserID,
		UserEmail:    actor.Email,
		UserRole:     actor.Role,
		Resource:     ev.Resource,
		ResourceID:   ev.ResourceID,
		Details:      ev.Details,
		OldValues:    ev.OldValues,
		NewValues:    ev.NewValues,
		Success:      ev.Success,
		ErrorMessage: ev.ErrorMessage,
	}
}

func marshalMap(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Query filters in SQL and returns entries newest first.
func (s *Store) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Actions) > 0 {
		var ph []string
		for _, a := range f.Actions {
			ph = append(ph, arg(string(a)))
		}
		where = append(where, "action in ("+strings.Join(ph, ",")+")")
	}
	if len(f.Severities) > 0 {
		var ph []string
		for _, sv := range f.Severities {
			ph = append(ph, arg(string(sv)))
		}
		where = append(where, "severity in ("+strings.Join(ph, ",")+")")
	}
	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if f.UserEmail != "" {
		where = append(where, "user_email ilike "+arg("%"+f.UserEmail+"%"))
	}
	if f.UserRole != "" {
		where = append(where, "user_role = "+arg(f.UserRole))
	}
	if f.Resource != "" {
		where = append(where, "resource = "+arg(f.Resource))
	}
	if f.Success != nil {
		where = append(where, "success = "+arg(*f.Success))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts <= "+arg(f.Until))
	}

	q := `
		select id, ts, action, severity, user_id, user_email, user_role,
		       resource, resource_id, details, old_values, new_values, success, error_message
		from audit_entries`
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	q += " order by ts desc, id desc"
	if f.Limit > 0 {
		q += " limit " + arg(f.Limit)
	}
	if f.Offset > 0 {
		q += " offset " + arg(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (audit.Entry, error) {
	var (
		e                          audit.Entry
		action, severity           string
		details, oldVals, newVals  []byte
		resource, resourceID, emsg sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Timestamp, &action, &severity,
		&e.UserID, &e.UserEmail, &e.UserRole,
		&resource, &resourceID, &details, &oldVals, &newVals,
		&e.Success, &emsg); err != nil {
		return audit.Entry{}, err
	}
	e.Action = audit.Action(action)
	e.Severity = audit.Severity(severity)
	e.Resource = resource.String
	e.ResourceID = resourceID.String
	e.ErrorMessage = emsg.String
	var err error
	if e.Details, err = unmarshalMap(details); err != nil {
		return audit.Entry{}, fmt.Errorf("decode entry %s: %w", e.ID, err)
	}
	if e.OldValues, err = unmarshalMap(oldVals); err != nil {
		return audit.Entry{}, fmt.Errorf("decode entry %s: %w", e.ID, err)
	}
	if e.NewValues, err = unmarshalMap(newVals); err != nil {
		return audit.Entry{}, fmt.Errorf("decode entry %s: %w", e.ID, err)
	}
	return e, nil
}

func unmarshalMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "{}" {
		return nil, nil
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Stats aggregates in SQL so large logs never round-trip to the process.
func (s *Store) Stats(ctx context.Context, windowDays int) (audit.Stats, error) {
	if s.db == nil {
		return audit.Stats{}, errors.New("database connection unavailable")
	}
	if windowDays <= 0 {
		windowDays = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -windowDays)

	st := audit.Stats{
		WindowDays:        windowDays,
		SuccessRate:       100,
		ActionBreakdown:   make(map[audit.Action]int),
		SeverityBreakdown: make(map[audit.Severity]int),
		ActorBreakdown:    make(map[string]int),
	}

	var succeeded int
	if err := s.db.QueryRowContext(ctx, `
		select count(*), count(*) filter (where success)
		from audit_entries where ts >= $1
	`, since).Scan(&st.TotalActions, &succeeded); err != nil {
		return audit.Stats{}, err
	}
	if st.TotalActions > 0 {
		st.SuccessRate = 100 * float64(succeeded) / float64(st.TotalActions)
	}

	if err := s.groupCounts(ctx, `select action, count(*) from audit_entries where ts >= $1 group by action`, since, func(k string, n int) {
		st.ActionBreakdown[audit.Action(k)] = n
	}); err != nil {
		return audit.Stats{}, err
	}
	if err := s.groupCounts(ctx, `select severity, count(*) from audit_entries where ts >= $1 group by severity`, since, func(k string, n int) {
		st.SeverityBreakdown[audit.Severity(k)] = n
	}); err != nil {
		return audit.Stats{}, err
	}
	if err := s.groupCounts(ctx, `select user_email, count(*) from audit_entries where ts >= $1 group by user_email`, since, func(k string, n int) {
		st.ActorBreakdown[k] = n
	}); err != nil {
		return audit.Stats{}, err
	}
	if err := s.groupCounts(ctx, `
		select to_char(ts at time zone 'UTC', 'YYYY-MM-DD'), count(*)
		from audit_entries where ts >= $1
		group by 1 order by 1
	`, since, func(k string, n int) {
		st.DailyActivity = append(st.DailyActivity, audit.DailyCount{Date: k, Count: n})
	}); err != nil {
		return audit.Stats{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, ts, action, severity, user_id, user_email, user_role,
		       resource, resource_id, details, old_values, new_values, success, error_message
		from audit_entries
		where ts >= $1 and severity = $2
		order by ts desc, id desc
		limit 10
	`, since, string(audit.SeverityCritical))
	if err != nil {
		return audit.Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return audit.Stats{}, err
		}
		st.RecentCritical = append(st.RecentCritical, e)
	}
	return st, rows.Err()
}

func (s *Store) groupCounts(ctx context.Context, query string, since time.Time, add func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		add(k, n)
	}
	return rows.Err()
}

// Prune deletes by age, then by count, keeping the newest rows.
func (s *Store) Prune(ctx context.Context, opts audit.PruneOptions) (int, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	removed := 0
	if opts.RetentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -opts.RetentionDays)
		res, err := s.db.ExecContext(ctx, `delete from audit_entries where ts < $1`, cutoff)
		if err != nil {
			return 0, err
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}
	if opts.MaxEntries > 0 {
		res, err := s.db.ExecContext(ctx, `
			delete from audit_entries
			where id not in (
				select id from audit_entries
				order by ts desc, id desc
				limit $1
			)
		`, opts.MaxEntries)
		if err != nil {
			return 0, err
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}
	return removed, nil
}
