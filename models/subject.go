package models

import "fmt"

// Subject is one package@version under analysis for a CVE.
// Identity is the (Name, Version) pair; instances are value types and
// never mutated after creation.
type Subject struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	// Depth is the BFS distance from the vulnerable package (0 = the
	// vulnerable package itself).
	Depth int `json:"depth"`
	// Parent is the subject this one was discovered through, empty for
	// seed subjects.
	Parent string `json:"parent,omitempty"`
}

// Key returns the canonical "name:version" identity used for visited-set
// membership and artifact naming.
func (s Subject) Key() string {
	return s.Name + ":" + s.Version
}

// Slug returns the filesystem-safe "name-version" form used for artifact
// file names and working directories.
func (s Subject) Slug() string {
	return s.Name + "-" + s.Version
}

func (s Subject) String() string {
	return fmt.Sprintf("%s@%s", s.Name, s.Version)
}

// ReverseDependency is one row from the dependency-edge relation: a
// published version of a package that declares a requirement on another
// package.
type ReverseDependency struct {
	// Name is the dependent package.
	Name string `db:"name"`
	// Version is the dependent's own published version.
	Version string `db:"num"`
	// Req is the declared version requirement on the dependency,
	// e.g. "^1.2" or ">=0.4, <0.6".
	Req string `db:"req"`
}

// CVESpec describes one vulnerability to propagate: the vulnerable
// package, its affected version range, and the fully-qualified paths of
// the vulnerable functions.
type CVESpec struct {
	ID              string   `json:"cve_id"`
	Package         string   `json:"package"`
	AffectedRange   string   `json:"affected_range"`
	TargetFunctions []string `json:"target_functions"`
}
