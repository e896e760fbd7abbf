package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/CosmoTheDev/cratetracker/models"
)

// Stage names recorded when a subject fails.
const (
	StageAcquire = "acquire"
	StageAnalyze = "analyze"
	StagePersist = "persist"
)

// Outcome is the result of running one subject through the pipeline.
type Outcome struct {
	Subject  models.Subject
	Status   string // models.SubjectSucceeded | SubjectSkipped | SubjectFailed
	Stage    string // stage reached when the subject failed or was skipped
	Callers  int
	Duration time.Duration
	Err      error
}

// Pipeline acquires, analyzes and persists one subject at a time.
// Process is safe for concurrent use; the caller bounds parallelism.
type Pipeline struct {
	fetcher    Fetcher
	gitFetcher Fetcher // optional fallback, may be nil
	analyzer   Analyzer
	resultsDir string
	timeout    time.Duration
}

func New(fetcher Fetcher, gitFetcher Fetcher, analyzer Analyzer, resultsDir string, timeout time.Duration) *Pipeline {
	return &Pipeline{
		fetcher:    fetcher,
		gitFetcher: gitFetcher,
		analyzer:   analyzer,
		resultsDir: resultsDir,
		timeout:    timeout,
	}
}

// Process runs sub through acquire, analyze and persist, bounded by the
// per-subject timeout. Failures are returned in the Outcome, never
// panicked or escalated; a broken subject affects only itself.
func (p *Pipeline) Process(ctx context.Context, cve string, sub models.Subject, targets []string) Outcome {
	start := time.Now()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	out := Outcome{Subject: sub}
	finish := func(o Outcome) Outcome {
		o.Duration = time.Since(start)
		return o
	}

	srcDir, err := p.acquire(ctx, sub)
	if err != nil {
		out.Status, out.Stage, out.Err = models.SubjectFailed, StageAcquire, err
		return finish(out)
	}

	hit, err := containsAnyTarget(srcDir, targets)
	if err != nil {
		out.Status, out.Stage, out.Err = models.SubjectFailed, StageAnalyze, fmt.Errorf("%w: %v", ErrAnalyze, err)
		return finish(out)
	}
	if !hit {
		// The source never names any target function: no call is
		// possible, so analysis would be wasted work.
		slog.Debug("Pre-filter miss, skipping analysis", "subject", sub.String())
		out.Status, out.Stage = models.SubjectSkipped, StageAnalyze
		return finish(out)
	}

	callers, err := p.analyzer.Analyze(ctx, srcDir, targets)
	if err != nil {
		out.Status, out.Stage, out.Err = models.SubjectFailed, StageAnalyze, err
		return finish(out)
	}

	result := &models.SubjectResult{
		CVE:     cve,
		Package: sub.Name,
		Version: sub.Version,
		Depth:   sub.Depth,
		Targets: callers,
	}
	if err := p.persist(result); err != nil {
		out.Status, out.Stage, out.Err = models.SubjectFailed, StagePersist, err
		return finish(out)
	}

	out.Status = models.SubjectSucceeded
	out.Callers = result.TotalCallers()
	return finish(out)
}

func (p *Pipeline) acquire(ctx context.Context, sub models.Subject) (string, error) {
	srcDir, err := p.fetcher.Fetch(ctx, sub)
	if err == nil {
		return srcDir, nil
	}
	if p.gitFetcher == nil || ctx.Err() != nil {
		return "", err
	}
	slog.Warn("Registry fetch failed, trying git fallback", "subject", sub.String(), "error", err)
	return p.gitFetcher.Fetch(ctx, sub)
}

// persist writes the artifact for result atomically: the whole file is
// replaced or left untouched, never half-written. Key layout is
// results/<cve>/<name>-<version>.json; re-running a subject overwrites
// its previous artifact.
func (p *Pipeline) persist(result *models.SubjectResult) error {
	dir := filepath.Join(p.resultsDir, result.CVE)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating results dir: %w", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding artifact: %w", err)
	}

	dest := filepath.Join(dir, fmt.Sprintf("%s-%s.json", result.Package, result.Version))
	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
