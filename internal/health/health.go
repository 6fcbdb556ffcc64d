// Package health builds the read-only memory and session health report
// behind "warden health" and GET /v1/health. It inspects the memory
// files and the session store; it never modifies either.
package health

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/nugget/warden/internal/memory"
	"github.com/nugget/warden/internal/session"
)

// Metric statuses.
const (
	StatusOK   = "OK"
	StatusWarn = "WARN"
)

// topOversized bounds the oversized sessions listed in a report.
const topOversized = 5

// Config holds the report thresholds.
type Config struct {
	// OversizedThreshold is the message count above which a session is
	// reported as oversized.
	OversizedThreshold int
	// FallbackRatio is the highest acceptable share of history entries
	// written by fallback consolidation.
	FallbackRatio float64
	// FreshnessHours is how recent the newest history entry must be.
	FreshnessHours int
}

// Monitor produces health reports.
type Monitor struct {
	store session.Store
	files *memory.Files
	cfg   Config
	now   func() time.Time
	loc   *time.Location
}

// NewMonitor creates a monitor over store and files.
func NewMonitor(store session.Store, files *memory.Files, cfg Config) *Monitor {
	return &Monitor{
		store: store,
		files: files,
		cfg:   cfg,
		now:   time.Now,
		loc:   time.Local,
	}
}

// Integrity reports on the memory files.
type Integrity struct {
	MemoryExists   bool   `json:"memory_exists"`
	HistoryExists  bool   `json:"history_exists"`
	MemoryNonEmpty bool   `json:"memory_non_empty"`
	RecentEntries  int    `json:"recent_history_entries"`
	WindowHours    int    `json:"window_hours"`
	Status         string `json:"status"`
}

// SessionSize is one oversized session.
type SessionSize struct {
	Key      string `json:"key"`
	Messages int    `json:"messages"`
}

// Oversized reports sessions that outgrew the threshold.
type Oversized struct {
	TotalSessions  int           `json:"total_sessions"`
	MaxMessages    int           `json:"max_messages"`
	Threshold      int           `json:"threshold"`
	OversizedCount int           `json:"oversized_count"`
	Top            []SessionSize `json:"top_oversized"`
	Status         string        `json:"status"`
}

// Parse reports session logs with undecodable records.
type Parse struct {
	Errors map[string]string `json:"parse_errors"`
	Status string            `json:"status"`
}

// Fallback reports how much of the history came from fallback
// consolidation.
type Fallback struct {
	FallbackEntries int     `json:"fallback_entries"`
	TotalEntries    int     `json:"total_entries"`
	Ratio           float64 `json:"ratio"`
	Threshold       float64 `json:"threshold"`
	Status          string  `json:"status"`
}

// Report is one health snapshot.
type Report struct {
	GeneratedAt          time.Time `json:"generated_at"`
	MemoryDir            string    `json:"memory_dir"`
	Status               string    `json:"status"`
	MemoryFileIntegrity  Integrity `json:"memory_file_integrity"`
	OversizedSessions    Oversized `json:"oversized_sessions"`
	SessionLogParse      Parse     `json:"session_log_parse"`
	HistoryFallbackRatio Fallback  `json:"history_fallback_ratio"`
}

// Metric is one report line.
type Metric struct {
	Name    string
	Status  string
	Summary string
}

// Check builds a report. It fails only when the memory files or the
// session store cannot be read at all.
func (m *Monitor) Check(ctx context.Context) (*Report, error) {
	now := m.now()
	r := &Report{GeneratedAt: now, MemoryDir: m.files.Dir()}

	mem, err := m.files.ReadMemory()
	if err != nil {
		return nil, err
	}
	history, err := m.files.ReadHistory()
	if err != nil {
		return nil, err
	}
	entries := memory.ParseHistory(history, m.loc)

	r.MemoryFileIntegrity = m.integrity(now, mem, entries)
	r.HistoryFallbackRatio = m.fallback(entries)

	infos, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	r.OversizedSessions, r.SessionLogParse = m.sessions(infos)

	r.Status = StatusOK
	for _, metric := range r.Metrics() {
		if metric.Status == StatusWarn {
			r.Status = StatusWarn
		}
	}
	return r, nil
}

func (m *Monitor) integrity(now time.Time, mem string, entries []memory.HistoryEntry) Integrity {
	in := Integrity{
		MemoryExists:   exists(m.files.MemoryPath()),
		HistoryExists:  exists(m.files.HistoryPath()),
		MemoryNonEmpty: strings.TrimSpace(mem) != "",
		WindowHours:    m.cfg.FreshnessHours,
	}
	cutoff := now.Add(-time.Duration(m.cfg.FreshnessHours) * time.Hour)
	for _, e := range entries {
		if !e.Time.IsZero() && !e.Time.Before(cutoff) {
			in.RecentEntries++
		}
	}
	in.Status = status(in.MemoryExists && in.HistoryExists && in.MemoryNonEmpty && in.RecentEntries > 0)
	return in
}

func (m *Monitor) fallback(entries []memory.HistoryEntry) Fallback {
	f := Fallback{TotalEntries: len(entries), Threshold: m.cfg.FallbackRatio}
	for _, e := range entries {
		if strings.Contains(e.Text, memory.FallbackMarker) {
			f.FallbackEntries++
		}
	}
	if f.TotalEntries > 0 {
		f.Ratio = float64(f.FallbackEntries) / float64(f.TotalEntries)
	}
	f.Status = status(f.Ratio <= f.Threshold)
	return f
}

// sessions sizes every cleanly decoded session and collects decode
// failures. A session with parse errors is reported only as such.
func (m *Monitor) sessions(infos []session.Info) (Oversized, Parse) {
	o := Oversized{Threshold: m.cfg.OversizedThreshold, Top: []SessionSize{}}
	p := Parse{Errors: map[string]string{}}

	var over []SessionSize
	for _, info := range infos {
		if info.ParseErrors > 0 {
			p.Errors[info.Key] = info.ParseError
			continue
		}
		o.TotalSessions++
		o.MaxMessages = max(o.MaxMessages, info.Messages)
		if info.Messages > o.Threshold {
			over = append(over, SessionSize{Key: info.Key, Messages: info.Messages})
		}
	}

	slices.SortFunc(over, func(a, b SessionSize) int {
		if c := cmp.Compare(b.Messages, a.Messages); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	o.OversizedCount = len(over)
	if len(over) > topOversized {
		over = over[:topOversized]
	}
	o.Top = append(o.Top, over...)
	o.Status = status(o.OversizedCount == 0)

	p.Status = status(len(p.Errors) == 0)
	return o, p
}

// Metrics returns the report's metric lines in display order.
func (r *Report) Metrics() []Metric {
	in := r.MemoryFileIntegrity
	ov := r.OversizedSessions
	fb := r.HistoryFallbackRatio
	return []Metric{
		{
			Name:   "memory_file_integrity",
			Status: in.Status,
			Summary: fmt.Sprintf("memory_exists=%t, history_exists=%t, memory_non_empty=%t, recent_history_entries_%dh=%d",
				in.MemoryExists, in.HistoryExists, in.MemoryNonEmpty, in.WindowHours, in.RecentEntries),
		},
		{
			Name:   "oversized_sessions",
			Status: ov.Status,
			Summary: fmt.Sprintf("total_sessions=%d, max_messages=%d, threshold=%d, oversized_count=%d",
				ov.TotalSessions, ov.MaxMessages, ov.Threshold, ov.OversizedCount),
		},
		{
			Name:    "session_log_parse",
			Status:  r.SessionLogParse.Status,
			Summary: fmt.Sprintf("parse_errors=%d", len(r.SessionLogParse.Errors)),
		},
		{
			Name:   "history_fallback_ratio",
			Status: fb.Status,
			Summary: fmt.Sprintf("fallback=%d/%d (%.1f%%), threshold=%.1f%%",
				fb.FallbackEntries, fb.TotalEntries, fb.Ratio*100, fb.Threshold*100),
		},
	}
}

// WriteText renders the report for a terminal.
func (r *Report) WriteText(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString("Warden Memory Health Monitor\n")
	fmt.Fprintf(&sb, "generated_at: %s\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "memory_dir: %s\n", r.MemoryDir)
	fmt.Fprintf(&sb, "status: %s\n\n", r.Status)

	for _, m := range r.Metrics() {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.Status, m.Name, m.Summary)
	}

	if top := r.OversizedSessions.Top; len(top) > 0 {
		sb.WriteString("\nTop oversized sessions:\n")
		for _, s := range top {
			fmt.Fprintf(&sb, "- %s: %d messages\n", s.Key, s.Messages)
		}
	}
	if errs := r.SessionLogParse.Errors; len(errs) > 0 {
		sb.WriteString("\nSession parse errors:\n")
		keys := make([]string, 0, len(errs))
		for k := range errs {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, errs[k])
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

func status(ok bool) string {
	if ok {
		return StatusOK
	}
	return StatusWarn
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
