// Package propagate computes the transitive set of packages affected
// by a vulnerability. Starting from every published version of the
// vulnerable package that satisfies the affected range, it walks the
// reverse-dependency graph breadth-first: a dependent is affected when
// its declared requirement is satisfied by the precise version of the
// affected parent it depends on.
package propagate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/CosmoTheDev/cratetracker/internal/config"
	"github.com/CosmoTheDev/cratetracker/internal/graph"
	"github.com/CosmoTheDev/cratetracker/internal/semver"
	"github.com/CosmoTheDev/cratetracker/models"
)

// Engine walks the reverse-dependency graph for one CVE.
type Engine struct {
	src graph.Source
	cfg config.TraversalConfig

	// ShouldExpand, when set, is consulted before a subject's
	// dependents are fetched. Returning false prunes the subtree
	// below that subject. Used for reachability pruning: a subject
	// whose analysis found no callers cannot propagate the
	// vulnerability further.
	ShouldExpand func(models.Subject) bool
}

// New returns an Engine reading from src under the given bounds.
func New(src graph.Source, cfg config.TraversalConfig) *Engine {
	return &Engine{src: src, cfg: cfg}
}

// Stream is a lazy sequence of affected subjects. Receive from C until
// it is closed, then call Err for the terminal state. Truncated and
// BadConstraints are valid only after C is closed.
type Stream struct {
	C <-chan models.Subject

	done           chan struct{}
	err            error
	truncated      bool
	badConstraints int
}

// Err blocks until the walk has finished and returns its error, if any.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Truncated reports whether a subject-count or depth ceiling cut the
// walk short, meaning the emitted set may be incomplete.
func (s *Stream) Truncated() bool {
	<-s.done
	return s.truncated
}

// BadConstraints returns how many dependency edges were skipped
// because their requirement string failed to parse.
func (s *Stream) BadConstraints() int {
	<-s.done
	return s.badConstraints
}

// Propagate starts the walk and returns its subject stream. Subjects
// are emitted in breadth-first order, each exactly once; the same
// (package, version) reached by several paths keeps the depth of its
// first discovery. Cancelling ctx stops the walk with ctx's error.
func (e *Engine) Propagate(ctx context.Context, spec models.CVESpec) *Stream {
	out := make(chan models.Subject)
	s := &Stream{C: out, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer close(out)
		s.err = e.walk(ctx, spec, out, s)
	}()
	return s
}

// emitter serializes subject emission and enforces the subject ceiling.
type emitter struct {
	mu      sync.Mutex
	out     chan<- models.Subject
	max     int
	emitted int
	full    bool
}

// send emits sub unless the ceiling is reached. The bool reports
// whether the walk may continue.
func (em *emitter) send(ctx context.Context, sub models.Subject) (bool, error) {
	em.mu.Lock()
	if em.full || (em.max > 0 && em.emitted >= em.max) {
		em.full = true
		em.mu.Unlock()
		return false, nil
	}
	em.emitted++
	em.mu.Unlock()

	select {
	case em.out <- sub:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (e *Engine) walk(ctx context.Context, spec models.CVESpec, out chan<- models.Subject, s *Stream) error {
	// A malformed affected range is a caller error, not a skippable
	// edge: fail before touching the graph.
	req, err := semver.ParseReq(spec.AffectedRange)
	if err != nil {
		return fmt.Errorf("affected range %q: %w", spec.AffectedRange, err)
	}

	em := &emitter{out: out, max: e.cfg.MaxSubjects}
	visited := &visitedSet{seen: map[string]struct{}{}}

	frontier, err := e.seed(ctx, spec, req, em, visited)
	if err != nil {
		return err
	}

	depth := 0
	for len(frontier) > 0 && !em.full {
		depth++
		if e.cfg.MaxDepth > 0 && depth > e.cfg.MaxDepth {
			s.truncated = true
			slog.Info("Depth ceiling reached", "depth", e.cfg.MaxDepth, "unexpanded", len(frontier))
			break
		}
		next, err := e.expand(ctx, frontier, depth, em, visited, s)
		if err != nil {
			return err
		}
		frontier = next
	}

	if em.full {
		s.truncated = true
		slog.Info("Subject ceiling reached", "max_subjects", e.cfg.MaxSubjects)
	}
	return nil
}

// seed emits every published version of the vulnerable package that
// satisfies the affected range, at depth 0.
func (e *Engine) seed(ctx context.Context, spec models.CVESpec, req *semver.Req, em *emitter, visited *visitedSet) ([]models.Subject, error) {
	versions, err := e.src.VersionsOf(ctx, spec.Package)
	if err != nil {
		return nil, err
	}

	raws := make([]string, 0, len(versions))
	parsed := make([]*semver.Version, 0, len(versions))
	for _, v := range versions {
		pv, err := semver.ParseVersion(v)
		if err != nil {
			// Snapshot version strings that the registry accepted but
			// we cannot parse. Rare; skip rather than abort.
			slog.Warn("Skipping unparseable version", "package", spec.Package, "version", v, "error", err)
			continue
		}
		raws = append(raws, v)
		parsed = append(parsed, pv)
	}
	if !req.MatchesAny(parsed) {
		slog.Info("No published version falls inside the affected range",
			"package", spec.Package, "range", spec.AffectedRange)
		return nil, nil
	}

	var frontier []models.Subject
	for i, pv := range parsed {
		if !req.Matches(pv) {
			continue
		}
		sub := models.Subject{Name: spec.Package, Version: raws[i], Depth: 0}
		if !visited.add(sub.Key()) {
			continue
		}
		cont, err := em.send(ctx, sub)
		if err != nil {
			return nil, err
		}
		if !cont {
			break
		}
		frontier = append(frontier, sub)
	}
	return frontier, nil
}

// expand fetches dependents for one BFS level, bounded by BFSWorkers
// concurrent expansions, and returns the next frontier.
func (e *Engine) expand(ctx context.Context, frontier []models.Subject, depth int, em *emitter, visited *visitedSet, s *Stream) ([]models.Subject, error) {
	var (
		mu   sync.Mutex
		next []models.Subject
		bad  int
	)

	deps := newDependentsCache(e.src)

	g, gctx := errgroup.WithContext(ctx)
	workers := e.cfg.BFSWorkers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	for _, parent := range frontier {
		parent := parent
		if e.ShouldExpand != nil && !e.ShouldExpand(parent) {
			continue
		}
		g.Go(func() error {
			dependents, err := deps.get(gctx, parent.Name)
			if err != nil {
				return err
			}
			for _, d := range dependents {
				ok, err := semver.Matches(parent.Version, d.Req)
				if err != nil {
					slog.Warn("Skipping edge with unparseable requirement",
						"dependent", d.Name, "version", d.Version, "req", d.Req, "error", err)
					mu.Lock()
					bad++
					mu.Unlock()
					continue
				}
				if !ok {
					continue
				}
				child := models.Subject{
					Name:    d.Name,
					Version: d.Version,
					Depth:   depth,
					Parent:  parent.Key(),
				}
				if !visited.add(child.Key()) {
					continue
				}
				cont, err := em.send(gctx, child)
				if err != nil {
					return err
				}
				if !cont {
					return nil
				}
				mu.Lock()
				next = append(next, child)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.badConstraints += bad
	return next, nil
}

// visitedSet is a concurrency-safe insert-if-absent set of subject keys.
type visitedSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// add returns true when key was not present.
func (v *visitedSet) add(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[key]; ok {
		return false
	}
	v.seen[key] = struct{}{}
	return true
}

// dependentsCache deduplicates DependentsOf calls within one level,
// where several versions of the same package share a dependent list.
type dependentsCache struct {
	src graph.Source

	mu    sync.Mutex
	cache map[string][]models.ReverseDependency
}

func newDependentsCache(src graph.Source) *dependentsCache {
	return &dependentsCache{src: src, cache: map[string][]models.ReverseDependency{}}
}

func (c *dependentsCache) get(ctx context.Context, pkg string) ([]models.ReverseDependency, error) {
	c.mu.Lock()
	if deps, ok := c.cache[pkg]; ok {
		c.mu.Unlock()
		return deps, nil
	}
	c.mu.Unlock()

	deps, err := c.src.DependentsOf(ctx, pkg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[pkg] = deps
	c.mu.Unlock()
	return deps, nil
}
