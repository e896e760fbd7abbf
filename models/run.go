package models

import "time"

// Subject pipeline outcome states recorded in the run manifest.
const (
	SubjectSucceeded = "succeeded"
	SubjectSkipped   = "skipped"
	SubjectFailed    = "failed"
)

// Run tracks one propagation + analysis run for a CVE.
type Run struct {
	ID            int64      `json:"id"              db:"id"`
	CVE           string     `json:"cve_id"          db:"cve_id"`
	Package       string     `json:"package"         db:"package"`
	AffectedRange string     `json:"affected_range"  db:"affected_range"`
	Status        string     `json:"status"          db:"status"` // running|completed|partial|failed
	Truncated     bool       `json:"truncated"       db:"truncated"`
	SubjectsTotal int        `json:"subjects_total"  db:"subjects_total"`
	Succeeded     int        `json:"succeeded"       db:"succeeded"`
	Skipped       int        `json:"skipped"         db:"skipped"`
	Failed        int        `json:"failed"          db:"failed"`
	StartedAt     time.Time  `json:"started_at"      db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"    db:"completed_at"`
	ErrorMsg      string     `json:"error_msg"       db:"error_msg"`
}

// RunSubject tracks the pipeline outcome of a single subject within a run.
type RunSubject struct {
	ID         int64   `json:"id"          db:"id"`
	RunID      int64   `json:"run_id"      db:"run_id"`
	Package    string  `json:"package"     db:"package"`
	Version    string  `json:"version"     db:"version"`
	Depth      int     `json:"depth"       db:"depth"`
	Status     string  `json:"status"      db:"status"` // succeeded|skipped|failed
	Stage      string  `json:"stage"       db:"stage"`  // acquire|analyze|persist
	Callers    int     `json:"callers"     db:"callers"`
	DurationMs int64   `json:"duration_ms" db:"duration_ms"`
	ErrorMsg   string  `json:"error_msg"   db:"error_msg"`
}

// Manifest is the user-visible summary of a completed run: which
// subjects succeeded, which were skipped before analysis, and which
// failed, so a low caller count is never confused with a failed
// analysis.
type Manifest struct {
	CVE       string       `json:"cve_id"`
	Truncated bool         `json:"truncated"`
	Subjects  []RunSubject `json:"subjects"`
}

// Counts returns (succeeded, skipped, failed) totals.
func (m *Manifest) Counts() (succeeded, skipped, failed int) {
	for _, s := range m.Subjects {
		switch s.Status {
		case SubjectSucceeded:
			succeeded++
		case SubjectSkipped:
			skipped++
		case SubjectFailed:
			failed++
		}
	}
	return
}
