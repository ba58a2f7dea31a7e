package audit

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"newstrnt.org/internal/ids"
)

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	Actions    []Action
	Severities []Severity
	UserID     string
	UserEmail  string // substring match, case-insensitive
	UserRole   string
	Resource   string
	Success    *bool
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

func (f Filter) matches(e Entry) bool {
	if len(f.Actions) > 0 && !containsAction(f.Actions, e.Action) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.UserEmail != "" && !strings.Contains(strings.ToLower(e.UserEmail), strings.ToLower(f.UserEmail)) {
		return false
	}
	if f.UserRole != "" && e.UserRole != f.UserRole {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func containsAction(set []Action, a Action) bool {
	for _, x := range set {
		if x == a {
			return true
		}
	}
	return false
}

func containsSeverity(set []Severity, s Severity) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// DailyCount is one day's entry count inside a Stats window.
type DailyCount struct {
	Date  string `json:"date"` // YYYY-MM-DD, UTC
	Count int    `json:"count"`
}

// Stats summarizes a trailing window of the log.
type Stats struct {
	WindowDays        int              `json:"window_days"`
	TotalActions      int              `json:"total_actions"`
	SuccessRate       float64          `json:"success_rate"` // 0..100, 100 when empty
	ActionBreakdown   map[Action]int   `json:"action_breakdown"`
	SeverityBreakdown map[Severity]int `json:"severity_breakdown"`
	ActorBreakdown    map[string]int   `json:"actor_breakdown"` // by email
	DailyActivity     []DailyCount     `json:"daily_activity"`
	RecentCritical    []Entry          `json:"recent_critical"` // newest first, capped
}

// PruneOptions selects entries for removal. Both criteria may be combined;
// an entry is removed when either marks it.
type PruneOptions struct {
	RetentionDays int // remove entries older than this many days; 0 = no age limit
	MaxEntries    int // keep at most this many newest entries; 0 = no count limit
}

// Log is the storage contract. MemoryLog backs tests and single-node
// deployments; the pg store implements the same interface durably.
type Log interface {
	Append(ctx context.Context, ev Event) (Entry, error)
	Query(ctx context.Context, f Filter) ([]Entry, error)
	Stats(ctx context.Context, windowDays int) (Stats, error)
	Prune(ctx context.Context, opts PruneOptions) (int, error)
}

// MemoryLog keeps entries in append order under a single mutex, so a Query
// or Prune observes either all of a concurrent Append or none of it.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time

	maxRecentCritical int
}

// Option configures a MemoryLog.
type Option func(*MemoryLog)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLog) { l.now = now }
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog(opts ...Option) *MemoryLog {
	l := &MemoryLog{
		now:               time.Now,
		maxRecentCritical: 10,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append assigns id, timestamp and severity, and stores the entry.
func (l *MemoryLog) Append(ctx context.Context, ev Event) (Entry, error) {
	if ev.Action == "" {
		return Entry{}, ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e := ev.entry(ids.New(), l.now().UTC())
	l.entries = append(l.entries, e)
	return e, nil
}

// Query returns matching entries newest first.
func (l *MemoryLog) Query(ctx context.Context, f Filter) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	skipped := 0
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if !f.matches(e) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Stats summarizes the trailing windowDays of the log. windowDays <= 0
// defaults to 7.
func (l *MemoryLog) Stats(ctx context.Context, windowDays int) (Stats, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	since := l.now().UTC().AddDate(0, 0, -windowDays)
	st := Stats{
		WindowDays:        windowDays,
		SuccessRate:       100,
		ActionBreakdown:   make(map[Action]int),
		SeverityBreakdown: make(map[Severity]int),
		ActorBreakdown:    make(map[string]int),
	}
	daily := make(map[string]int)
	succeeded := 0
	for _, e := range l.entries {
		if e.Timestamp.Before(since) {
			continue
		}
		st.TotalActions++
		if e.Success {
			succeeded++
		}
		st.ActionBreakdown[e.Action]++
		st.SeverityBreakdown[e.Severity]++
		st.ActorBreakdown[e.UserEmail]++
		daily[e.Timestamp.Format("2006-01-02")]++
		if e.Severity == SeverityCritical {
			st.RecentCritical = append(st.RecentCritical, e)
		}
	}
	if st.TotalActions > 0 {
		st.SuccessRate = 100 * float64(succeeded) / float64(st.TotalActions)
	}
	for date, n := range daily {
		st.DailyActivity = append(st.DailyActivity, DailyCount{Date: date, Count: n})
	}
	sort.Slice(st.DailyActivity, func(i, j int) bool {
		return st.DailyActivity[i].Date < st.DailyActivity[j].Date
	})
	// newest first, capped
	for i, j := 0, len(st.RecentCritical)-1; i < j; i, j = i+1, j-1 {
		st.RecentCritical[i], st.RecentCritical[j] = st.RecentCritical[j], st.RecentCritical[i]
	}
	if len(st.RecentCritical) > l.maxRecentCritical {
		st.RecentCritical = st.RecentCritical[:l.maxRecentCritical]
	}
	return st, nil
}

// Prune removes entries selected by opts and reports how many were removed.
// An entry inside the retention window is removed only when MaxEntries
// demands it.
func (l *MemoryLog) Prune(ctx context.Context, opts PruneOptions) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	before := len(l.entries)
	if opts.RetentionDays > 0 {
		cutoff := l.now().UTC().AddDate(0, 0, -opts.RetentionDays)
		kept := l.entries[:0]
		for _, e := range l.entries {
			if !e.Timestamp.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		l.entries = kept
	}
	if opts.MaxEntries > 0 && len(l.entries) > opts.MaxEntries {
		// entries are in append order; drop the oldest overflow
		l.entries = append(l.entries[:0], l.entries[len(l.entries)-opts.MaxEntries:]...)
	}
	return before - len(l.entries), nil
}

// Len reports the number of stored entries.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Export streams matching entries as a JSON array, newest first.
func Export(ctx context.Context, log Log, f Filter, w io.Writer) error {
	entries, err := log.Query(ctx, f)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
