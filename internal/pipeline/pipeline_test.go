package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CosmoTheDev/cratetracker/models"
)

// fakeFetcher serves a pre-built source tree, or fails.
type fakeFetcher struct {
	dir   string
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ models.Subject) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.dir, nil
}

// fakeAnalyzer returns canned caller records, or fails.
type fakeAnalyzer struct {
	targets []models.TargetCallers
	err     error
	calls   int
}

func (a *fakeAnalyzer) IsAvailable(_ context.Context) bool { return true }

func (a *fakeAnalyzer) Analyze(_ context.Context, _ string, _ []string) ([]models.TargetCallers, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return a.targets, nil
}

// stallingFetcher blocks until the per-subject deadline fires.
type stallingFetcher struct{}

func (f *stallingFetcher) Fetch(ctx context.Context, _ models.Subject) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// newSrcTree writes a crate source tree whose lib.rs has the given body.
func newSrcTree(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Cargo.toml"), "[package]\nname = \"subject\"\n")
	writeFile(t, filepath.Join(dir, "src", "lib.rs"), body)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

var testSubject = models.Subject{Name: "dependent", Version: "0.4.2", Depth: 1}

func TestProcessSucceedsAndPersistsArtifact(t *testing.T) {
	src := newSrcTree(t, "fn main() { vulnerable_fn(); }")
	resultsDir := t.TempDir()
	analyzer := &fakeAnalyzer{targets: []models.TargetCallers{
		{Target: "badcrate::vulnerable_fn", Callers: []models.CallerRecord{
			{Path: "dependent::call_site", PathConstraints: 2, PathPackageNum: 1},
		}},
	}}
	p := New(&fakeFetcher{dir: src}, nil, analyzer, resultsDir, 0)

	out := p.Process(context.Background(), "CVE-2026-0001", testSubject, []string{"badcrate::vulnerable_fn"})

	if out.Status != models.SubjectSucceeded {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Callers != 1 {
		t.Fatalf("expected 1 caller, got %d", out.Callers)
	}

	data, err := os.ReadFile(filepath.Join(resultsDir, "CVE-2026-0001", "dependent-0.4.2.json"))
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	var result models.SubjectResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("artifact is not valid JSON: %v", err)
	}
	if result.Package != "dependent" || result.Version != "0.4.2" || result.Depth != 1 {
		t.Fatalf("artifact identity wrong: %+v", result)
	}
	if result.TotalCallers() != 1 {
		t.Fatalf("artifact caller count wrong: %+v", result)
	}
}

func TestProcessSkipsWhenSourceNeverNamesTarget(t *testing.T) {
	src := newSrcTree(t, "fn main() { println!(\"hello\"); }")
	analyzer := &fakeAnalyzer{}
	p := New(&fakeFetcher{dir: src}, nil, analyzer, t.TempDir(), 0)

	out := p.Process(context.Background(), "CVE-2026-0001", testSubject, []string{"badcrate::vulnerable_fn"})

	if out.Status != models.SubjectSkipped {
		t.Fatalf("expected skip, got %+v", out)
	}
	if out.Stage != StageAnalyze {
		t.Fatalf("skip should be recorded at the analyze stage, got %q", out.Stage)
	}
	if analyzer.calls != 0 {
		t.Fatal("analyzer must not run for a pre-filter miss")
	}
}

func TestProcessFallsBackToGitFetcher(t *testing.T) {
	src := newSrcTree(t, "fn main() { vulnerable_fn(); }")
	primary := &fakeFetcher{err: fmt.Errorf("%w: HTTP 404", ErrAcquire)}
	fallback := &fakeFetcher{dir: src}
	analyzer := &fakeAnalyzer{targets: []models.TargetCallers{{Target: "badcrate::vulnerable_fn", Callers: nil}}}
	p := New(primary, fallback, analyzer, t.TempDir(), 0)

	out := p.Process(context.Background(), "CVE-2026-0001", testSubject, []string{"badcrate::vulnerable_fn"})

	if out.Status != models.SubjectSucceeded {
		t.Fatalf("expected fallback to succeed, got %+v", out)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("expected both fetchers tried once, got %d/%d", primary.calls, fallback.calls)
	}
}

func TestProcessRecordsAcquireFailure(t *testing.T) {
	p := New(&fakeFetcher{err: fmt.Errorf("%w: network down", ErrAcquire)}, nil, &fakeAnalyzer{}, t.TempDir(), 0)

	out := p.Process(context.Background(), "CVE-2026-0001", testSubject, []string{"badcrate::vulnerable_fn"})

	if out.Status != models.SubjectFailed || out.Stage != StageAcquire {
		t.Fatalf("expected acquire failure, got %+v", out)
	}
	if !errors.Is(out.Err, ErrAcquire) {
		t.Fatalf("expected ErrAcquire, got %v", out.Err)
	}
}

func TestProcessRecordsAnalyzeFailure(t *testing.T) {
	src := newSrcTree(t, "fn main() { vulnerable_fn(); }")
	analyzer := &fakeAnalyzer{err: fmt.Errorf("%w: tool crashed", ErrAnalyze)}
	p := New(&fakeFetcher{dir: src}, nil, analyzer, t.TempDir(), 0)

	out := p.Process(context.Background(), "CVE-2026-0001", testSubject, []string{"badcrate::vulnerable_fn"})

	if out.Status != models.SubjectFailed || out.Stage != StageAnalyze {
		t.Fatalf("expected analyze failure, got %+v", out)
	}
	if !errors.Is(out.Err, ErrAnalyze) {
		t.Fatalf("expected ErrAnalyze, got %v", out.Err)
	}
}

func TestProcessTimeoutFailsOnlyThatSubject(t *testing.T) {
	src := newSrcTree(t, "fn main() { vulnerable_fn(); }")
	analyzer := &fakeAnalyzer{targets: []models.TargetCallers{{Target: "badcrate::vulnerable_fn", Callers: nil}}}
	p := New(&stallingFetcher{}, nil, analyzer, t.TempDir(), 20*time.Millisecond)

	out := p.Process(context.Background(), "CVE-2026-0001", testSubject, []string{"badcrate::vulnerable_fn"})

	if out.Status != models.SubjectFailed || out.Stage != StageAcquire {
		t.Fatalf("expected a failed subject at the acquire stage, got %+v", out)
	}
	if !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Fatalf("expected the deadline error, got %v", out.Err)
	}

	// The deadline is per subject: the next one gets a fresh budget.
	p = New(&fakeFetcher{dir: src}, nil, analyzer, t.TempDir(), 20*time.Millisecond)
	if out := p.Process(context.Background(), "CVE-2026-0001", testSubject, []string{"badcrate::vulnerable_fn"}); out.Status != models.SubjectSucceeded {
		t.Fatalf("subject after a timeout must run normally, got %+v", out)
	}
}

func TestPersistOverwritesPreviousArtifact(t *testing.T) {
	resultsDir := t.TempDir()
	p := New(nil, nil, nil, resultsDir, 0)

	first := &models.SubjectResult{CVE: "CVE-X", Package: "a", Version: "1.0.0", Targets: []models.TargetCallers{
		{Target: "t", Callers: []models.CallerRecord{{Path: "old"}}},
	}}
	second := &models.SubjectResult{CVE: "CVE-X", Package: "a", Version: "1.0.0", Targets: []models.TargetCallers{
		{Target: "t", Callers: []models.CallerRecord{{Path: "new"}, {Path: "newer"}}},
	}}
	if err := p.persist(first); err != nil {
		t.Fatal(err)
	}
	if err := p.persist(second); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(resultsDir, "CVE-X", "a-1.0.0.json"))
	if err != nil {
		t.Fatal(err)
	}
	var got models.SubjectResult
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.TotalCallers() != 2 {
		t.Fatalf("artifact should hold only the latest run, got %+v", got)
	}
}

func TestParseCallersFileFillsMissingTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callers.json")
	writeFile(t, path, `[{"target": "crate::f", "callers": [{"path": "x", "path_constraints": 1, "path_package_num": 1}]}]`)

	got, err := parseCallersFile(path, []string{"crate::f", "crate::g"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected entries for both requested targets, got %+v", got)
	}
	if len(got[0].Callers) != 1 {
		t.Fatalf("crate::f should keep its caller, got %+v", got[0])
	}
	if got[1].Target != "crate::g" || len(got[1].Callers) != 0 {
		t.Fatalf("crate::g should get an empty entry, got %+v", got[1])
	}
}

func TestContainsAnyTargetMatchesLastSegment(t *testing.T) {
	src := newSrcTree(t, "pub fn entry() { deep::vulnerable_fn() }")

	hit, err := containsAnyTarget(src, []string{"badcrate::module::vulnerable_fn"})
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Fatal("last segment appears in source, expected a hit")
	}

	miss, err := containsAnyTarget(src, []string{"badcrate::other_fn"})
	if err != nil {
		t.Fatal(err)
	}
	if miss {
		t.Fatal("symbol absent from source, expected a miss")
	}
}
