package models

// CallerRecord is one call path reported by the call-graph analyzer:
// a function in the subject that can reach a target function. Records
// are immutable once written into a subject artifact.
type CallerRecord struct {
	// Path is the fully-qualified caller path,
	// e.g. "cargo_audit::presenter::Presenter::print_report".
	Path string `json:"path"`
	// PathConstraints counts branch/condition constraints along the call
	// path from the target to this caller.
	PathConstraints int64 `json:"path_constraints"`
	// PathPackageNum counts distinct packages crossed by the call path.
	PathPackageNum int64 `json:"path_package_num"`
}

// TargetCallers groups the callers found for one target function within
// one subject. An absent target yields an entry with zero callers, not
// an error.
type TargetCallers struct {
	Target  string         `json:"target"`
	Callers []CallerRecord `json:"callers"`
}

// SubjectResult is the persisted artifact for one analyzed subject:
// everything the analyzer reported, keyed by (CVE, package, version).
// Re-running the same key overwrites the whole artifact.
type SubjectResult struct {
	CVE     string          `json:"cve_id"`
	Package string          `json:"package"`
	Version string          `json:"version"`
	Depth   int             `json:"depth"`
	Targets []TargetCallers `json:"targets"`
}

// TotalCallers returns the caller count summed across all targets.
func (r *SubjectResult) TotalCallers() int {
	n := 0
	for _, t := range r.Targets {
		n += len(t.Callers)
	}
	return n
}
