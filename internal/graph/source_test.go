package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/CosmoTheDev/cratetracker/internal/config"
	"github.com/CosmoTheDev/cratetracker/internal/database"
)

// newTestSnapshot builds a minimal registry snapshot:
//
//	foo 1.0.0, 1.5.0, 2.0.0
//	bar 0.9.0          depends on foo ^1
//	baz 3.0.0          depends on foo ^2
//	app 0.1.0          depends on bar ^0.9 and foo >=1.0, <2.0
func newTestSnapshot(t *testing.T) database.DB {
	t.Helper()
	db, err := database.NewSQLite(config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "snapshot.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	stmts := []string{
		`CREATE TABLE crates (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE)`,
		`CREATE TABLE versions (id INTEGER PRIMARY KEY, crate_id INTEGER NOT NULL, num TEXT NOT NULL)`,
		`CREATE TABLE dependencies (id INTEGER PRIMARY KEY, version_id INTEGER NOT NULL, crate_id INTEGER NOT NULL, req TEXT NOT NULL)`,

		`INSERT INTO crates (id, name) VALUES (1, 'foo'), (2, 'bar'), (3, 'baz'), (4, 'app')`,
		`INSERT INTO versions (id, crate_id, num) VALUES
			(10, 1, '1.0.0'), (11, 1, '1.5.0'), (12, 1, '2.0.0'),
			(20, 2, '0.9.0'),
			(30, 3, '3.0.0'),
			(40, 4, '0.1.0')`,
		`INSERT INTO dependencies (version_id, crate_id, req) VALUES
			(20, 1, '^1'),
			(30, 1, '^2'),
			(40, 2, '^0.9'),
			(40, 1, '>=1.0, <2.0')`,
	}
	for _, s := range stmts {
		if err := db.Exec(ctx, s); err != nil {
			t.Fatalf("seed snapshot: %v", err)
		}
	}
	return db
}

func TestVersionsOf(t *testing.T) {
	src := NewSnapshotSource(newTestSnapshot(t))
	ctx := context.Background()

	got, err := src.VersionsOf(ctx, "foo")
	if err != nil {
		t.Fatalf("VersionsOf: %v", err)
	}
	want := []string{"1.0.0", "1.5.0", "2.0.0"}
	if len(got) != len(want) {
		t.Fatalf("expected %d versions, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("version %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestVersionsOfUnknownPackageIsEmptyNotError(t *testing.T) {
	src := NewSnapshotSource(newTestSnapshot(t))

	got, err := src.VersionsOf(context.Background(), "no-such-crate")
	if err != nil {
		t.Fatalf("expected no error for unknown package, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
}

func TestDependentsOf(t *testing.T) {
	src := NewSnapshotSource(newTestSnapshot(t))

	deps, err := src.DependentsOf(context.Background(), "foo")
	if err != nil {
		t.Fatalf("DependentsOf: %v", err)
	}
	if len(deps) != 3 {
		t.Fatalf("expected 3 dependents of foo, got %d: %+v", len(deps), deps)
	}

	reqs := map[string]string{}
	for _, d := range deps {
		reqs[d.Name+"@"+d.Version] = d.Req
	}
	for key, want := range map[string]string{
		"bar@0.9.0": "^1",
		"baz@3.0.0": "^2",
		"app@0.1.0": ">=1.0, <2.0",
	} {
		if reqs[key] != want {
			t.Fatalf("dependent %s: expected req %q, got %q", key, want, reqs[key])
		}
	}
}

func TestDependentsOfLeafIsEmptyNotError(t *testing.T) {
	src := NewSnapshotSource(newTestSnapshot(t))

	deps, err := src.DependentsOf(context.Background(), "app")
	if err != nil {
		t.Fatalf("expected no error for leaf package, got %v", err)
	}
	if len(deps) != 0 {
		t.Fatalf("expected no dependents, got %+v", deps)
	}
}
