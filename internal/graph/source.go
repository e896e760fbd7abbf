// Package graph reads the reverse-dependency graph from a crates.io
// registry snapshot. The snapshot is the standard three-relation dump:
// crates (id, name), versions (id, crate_id, num) and dependencies
// (version_id, crate_id, req), where a dependency row means "the
// version identified by version_id depends on the crate identified by
// crate_id under requirement req".
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/CosmoTheDev/cratetracker/internal/database"
	"github.com/CosmoTheDev/cratetracker/models"
)

// ErrSource marks snapshot query failures. These are infrastructure
// errors (connection lost, bad schema) and are safe to retry; an empty
// result set is never reported through it.
var ErrSource = errors.New("graph source error")

// Source answers the two queries propagation needs.
type Source interface {
	// VersionsOf returns every published version string of pkg.
	// An unknown package yields an empty slice and no error.
	VersionsOf(ctx context.Context, pkg string) ([]string, error)

	// DependentsOf returns every (package, version, requirement) that
	// declares a dependency on pkg, deduplicated. A package nothing
	// depends on yields an empty slice and no error.
	DependentsOf(ctx context.Context, pkg string) ([]models.ReverseDependency, error)
}

// SnapshotSource implements Source over a registry snapshot database.
type SnapshotSource struct {
	db database.DB
}

// NewSnapshotSource wraps db, which should be opened read-only.
func NewSnapshotSource(db database.DB) *SnapshotSource {
	return &SnapshotSource{db: db}
}

type versionRow struct {
	Num string `db:"num"`
}

func (s *SnapshotSource) VersionsOf(ctx context.Context, pkg string) ([]string, error) {
	var rows []versionRow
	err := s.db.Select(ctx, &rows, `
		SELECT v.num
		FROM versions v
		JOIN crates c ON v.crate_id = c.id
		WHERE c.name = ?
		ORDER BY v.id ASC`, pkg)
	if err != nil {
		return nil, fmt.Errorf("%w: versions of %s: %v", ErrSource, pkg, err)
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Num
	}
	return out, nil
}

func (s *SnapshotSource) DependentsOf(ctx context.Context, pkg string) ([]models.ReverseDependency, error) {
	var rows []models.ReverseDependency
	err := s.db.Select(ctx, &rows, `
		SELECT DISTINCT c.name, v.num, d.req
		FROM dependencies d
		JOIN versions v ON d.version_id = v.id
		JOIN crates c ON v.crate_id = c.id
		WHERE d.crate_id = (SELECT id FROM crates WHERE name = ?)`, pkg)
	if err != nil {
		return nil, fmt.Errorf("%w: dependents of %s: %v", ErrSource, pkg, err)
	}
	return rows, nil
}
