// Package runner ties propagation, the subject pipeline and statistics
// together into one run, and records the run manifest in the state
// database.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/CosmoTheDev/cratetracker/internal/database"
	"github.com/CosmoTheDev/cratetracker/internal/graph"
	"github.com/CosmoTheDev/cratetracker/internal/pipeline"
	"github.com/CosmoTheDev/cratetracker/internal/propagate"
	"github.com/CosmoTheDev/cratetracker/internal/stats"
	"github.com/CosmoTheDev/cratetracker/models"
)

// Runner executes one CVE propagation run end to end.
type Runner struct {
	engine  *propagate.Engine
	pipe    *pipeline.Pipeline
	stats   *stats.Engine
	db      database.DB // state store, may be nil
	workers int
	prune   bool
}

// New builds a Runner. workers bounds concurrent subject pipelines;
// prune stops expansion below subjects whose analysis found no callers.
func New(engine *propagate.Engine, pipe *pipeline.Pipeline, statsEngine *stats.Engine, db database.DB, workers int, prune bool) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		engine:  engine,
		pipe:    pipe,
		stats:   statsEngine,
		db:      db,
		workers: workers,
		prune:   prune,
	}
}

// RunResult summarises one completed run.
type RunResult struct {
	RunID     int64
	Status    string // completed | partial | failed
	Truncated bool
	Manifest  models.Manifest
	Report    *stats.Report
}

// Run propagates spec through the dependency graph and pushes every
// affected subject through the pipeline, bounded by the worker pool.
// Per-subject failures never abort the run; cancelling ctx stops
// admitting new subjects and lets in-flight ones finish.
func (r *Runner) Run(ctx context.Context, spec models.CVESpec) (*RunResult, error) {
	slog.Info("Starting run",
		"cve", spec.ID,
		"package", spec.Package,
		"affected_range", spec.AffectedRange,
		"targets", len(spec.TargetFunctions),
	)
	runID := r.createRun(ctx, spec)

	tracker := newOutcomeTracker()
	if r.prune {
		r.engine.ShouldExpand = tracker.shouldExpand
	}

	stream := r.engine.Propagate(ctx, spec)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []pipeline.Outcome
	)
	sem := semaphore.NewWeighted(int64(r.workers))

admit:
	for sub := range stream.C {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled: stop admitting, keep draining the stream so
			// the walker can exit.
			slog.Info("Run cancelled, finishing in-flight subjects", "cve", spec.ID)
			tracker.abandon()
			for range stream.C {
			}
			break admit
		}
		wg.Add(1)
		go func(sub models.Subject) {
			defer wg.Done()
			defer sem.Release(1)
			out := r.pipe.Process(ctx, spec.ID, sub, spec.TargetFunctions)
			tracker.record(out)
			logOutcome(out)
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
		}(sub)
	}
	wg.Wait()

	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		r.finaliseRun(runID, "failed", stream.Truncated(), outcomes, err.Error())
		return nil, err
	}

	result := &RunResult{
		RunID:     runID,
		Truncated: stream.Truncated(),
		Manifest:  buildManifest(spec.ID, runID, stream.Truncated(), outcomes),
	}
	succeeded, _, failed := result.Manifest.Counts()
	switch {
	case failed == 0:
		result.Status = "completed"
	case succeeded > 0:
		result.Status = "partial"
	default:
		result.Status = "failed"
	}

	r.finaliseRun(runID, result.Status, result.Truncated, outcomes, "")

	if succeeded > 0 {
		report, err := r.stats.Compute(spec.ID)
		if err != nil {
			slog.Warn("Statistics computation failed", "cve", spec.ID, "error", err)
		} else {
			result.Report = report
			if path, err := r.stats.WriteJSON(report); err != nil {
				slog.Warn("Failed to write statistics artifact", "cve", spec.ID, "error", err)
			} else {
				slog.Info("Wrote statistics", "file", path)
			}
		}
	}

	slog.Info("Run finished",
		"cve", spec.ID,
		"status", result.Status,
		"subjects", len(outcomes),
		"truncated", result.Truncated,
	)
	return result, nil
}

func buildManifest(cve string, runID int64, truncated bool, outcomes []pipeline.Outcome) models.Manifest {
	m := models.Manifest{CVE: cve, Truncated: truncated}
	for _, out := range outcomes {
		rs := models.RunSubject{
			RunID:      runID,
			Package:    out.Subject.Name,
			Version:    out.Subject.Version,
			Depth:      out.Subject.Depth,
			Status:     out.Status,
			Stage:      out.Stage,
			Callers:    out.Callers,
			DurationMs: out.Duration.Milliseconds(),
		}
		if out.Err != nil {
			rs.ErrorMsg = out.Err.Error()
		}
		m.Subjects = append(m.Subjects, rs)
	}
	return m
}

func logOutcome(out pipeline.Outcome) {
	switch out.Status {
	case models.SubjectSucceeded:
		slog.Info("Subject analyzed",
			"subject", out.Subject.String(),
			"depth", out.Subject.Depth,
			"callers", out.Callers,
			"duration_ms", out.Duration.Milliseconds(),
		)
	case models.SubjectSkipped:
		slog.Info("Subject skipped",
			"subject", out.Subject.String(),
			"stage", out.Stage,
		)
	default:
		slog.Error("Subject failed",
			"subject", out.Subject.String(),
			"stage", out.Stage,
			"error", out.Err,
		)
	}
}

// createRun inserts the run row; a nil or failing state store degrades
// to an unrecorded run rather than blocking analysis.
func (r *Runner) createRun(ctx context.Context, spec models.CVESpec) int64 {
	if r.db == nil {
		return 0
	}
	run := &models.Run{
		CVE:           spec.ID,
		Package:       spec.Package,
		AffectedRange: spec.AffectedRange,
		Status:        "running",
		StartedAt:     time.Now().UTC(),
	}
	id, err := r.db.Insert(ctx, "runs", run)
	if err != nil {
		slog.Warn("Failed to create run record", "error", err)
		return 0
	}
	return id
}

// finaliseRun persists per-subject rows and the final run status.
func (r *Runner) finaliseRun(runID int64, status string, truncated bool, outcomes []pipeline.Outcome, errMsg string) {
	if r.db == nil || runID <= 0 {
		return
	}
	// The run may be finalised after cancellation; use a fresh context
	// so the manifest still gets written.
	ctx := context.Background()

	succeeded, skipped, failed := 0, 0, 0
	for _, out := range outcomes {
		switch out.Status {
		case models.SubjectSucceeded:
			succeeded++
		case models.SubjectSkipped:
			skipped++
		default:
			failed++
		}
		rs := models.RunSubject{
			RunID:      runID,
			Package:    out.Subject.Name,
			Version:    out.Subject.Version,
			Depth:      out.Subject.Depth,
			Status:     out.Status,
			Stage:      out.Stage,
			Callers:    out.Callers,
			DurationMs: out.Duration.Milliseconds(),
		}
		if out.Err != nil {
			rs.ErrorMsg = out.Err.Error()
		}
		if err := r.db.Upsert(ctx, "run_subjects", rs, []string{"run_id", "package", "version"}); err != nil {
			slog.Warn("Failed to persist run subject", "subject", out.Subject.String(), "error", err)
		}
	}

	err := r.db.Exec(ctx,
		`UPDATE runs SET status = ?, truncated = ?, subjects_total = ?,
		        succeeded = ?, skipped = ?, failed = ?, completed_at = ?, error_msg = ?
		 WHERE id = ?`,
		status, truncated, len(outcomes), succeeded, skipped, failed,
		time.Now().UTC(), errMsg, runID,
	)
	if err != nil {
		slog.Warn("Failed to finalise run record", "run_id", runID, "error", err)
	}
}

// outcomeTracker lets the propagation engine wait for a subject's
// pipeline outcome before deciding whether to expand below it.
type outcomeTracker struct {
	mu        sync.Mutex
	done      map[string]chan struct{}
	closed    map[string]bool
	expand    map[string]bool
	abandoned bool
}

func newOutcomeTracker() *outcomeTracker {
	return &outcomeTracker{
		done:   map[string]chan struct{}{},
		closed: map[string]bool{},
		expand: map[string]bool{},
	}
}

// waiter returns the done channel for key; t.mu must be held.
func (t *outcomeTracker) waiter(key string) chan struct{} {
	ch, ok := t.done[key]
	if !ok {
		ch = make(chan struct{})
		t.done[key] = ch
		if t.abandoned {
			close(ch)
			t.closed[key] = true
		}
	}
	return ch
}

func (t *outcomeTracker) record(out pipeline.Outcome) {
	key := out.Subject.Key()
	t.mu.Lock()
	defer t.mu.Unlock()
	// A subject propagates only if its analysis proved at least one
	// caller. Failed subjects are treated as non-propagating too: with
	// no artifact there is no evidence of reachability.
	t.expand[key] = out.Status == models.SubjectSucceeded && out.Callers > 0
	ch := t.waiter(key)
	if !t.closed[key] {
		close(ch)
		t.closed[key] = true
	}
}

// abandon releases every current and future waiter; used when the run
// is cancelled so the walker never blocks on outcomes that will not
// arrive.
func (t *outcomeTracker) abandon() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abandoned = true
	for key, ch := range t.done {
		if !t.closed[key] {
			close(ch)
			t.closed[key] = true
		}
	}
}

func (t *outcomeTracker) shouldExpand(sub models.Subject) bool {
	t.mu.Lock()
	ch := t.waiter(sub.Key())
	t.mu.Unlock()
	<-ch
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expand[sub.Key()]
}

// IsRetryable reports whether err is worth retrying at the run level:
// snapshot query failures and timeouts are, everything in the
// per-subject taxonomy is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, pipeline.ErrAcquire) || errors.Is(err, pipeline.ErrAnalyze) {
		return false
	}
	return errors.Is(err, graph.ErrSource) || errors.Is(err, context.DeadlineExceeded)
}
