package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/CosmoTheDev/cratetracker/internal/config"
	"github.com/CosmoTheDev/cratetracker/models"
)

// Analyzer runs call-graph analysis over one subject's source tree.
type Analyzer interface {
	// IsAvailable reports whether the analyzer can run at all, either
	// as a local binary or through Docker.
	IsAvailable(ctx context.Context) bool

	// Analyze returns caller records for each target function.
	// A target with no callers yields an entry with an empty caller
	// list, not an error.
	Analyze(ctx context.Context, srcDir string, targets []string) ([]models.TargetCallers, error)
}

// CallCGAnalyzer drives the external call-cg binary, falling back to a
// Docker image when the binary is not installed. The tool writes a
// callers.json into its output directory, which is parsed into caller
// records.
type CallCGAnalyzer struct {
	cfg config.AnalyzerConfig
}

func NewCallCGAnalyzer(cfg config.AnalyzerConfig) *CallCGAnalyzer {
	return &CallCGAnalyzer{cfg: cfg}
}

func (a *CallCGAnalyzer) IsAvailable(ctx context.Context) bool {
	if a.cfg.PreferDocker {
		return isDockerAvailable(ctx)
	}
	return isBinaryAvailable(ctx, a.cfg.Binary, a.cfg.BinDir) ||
		(a.cfg.DockerImage != "" && isDockerAvailable(ctx))
}

func (a *CallCGAnalyzer) Analyze(ctx context.Context, srcDir string, targets []string) ([]models.TargetCallers, error) {
	outDir, err := os.MkdirTemp("", "callcg-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating output dir: %v", ErrAnalyze, err)
	}
	defer os.RemoveAll(outDir)

	finders := strings.Join(targets, ",")

	useDocker := a.cfg.PreferDocker || !isBinaryAvailable(ctx, a.cfg.Binary, a.cfg.BinDir)
	var cmd *exec.Cmd
	if useDocker {
		cmd = dockerRun(ctx, a.cfg.DockerImage, srcDir, outDir, []string{
			"--find-callers", finders,
			"--json-output",
			"--manifest-path", "/src/Cargo.toml",
			"--output-dir", "/out",
		})
	} else {
		bin := resolveBinary(a.cfg.Binary, a.cfg.BinDir)
		// nosemgrep: go.lang.security.audit.dangerous-exec-command.dangerous-exec-command
		cmd = exec.CommandContext(ctx, bin,
			"--find-callers", finders,
			"--json-output",
			"--manifest-path", filepath.Join(srcDir, "Cargo.toml"),
			"--output-dir", outDir,
		)
	}

	if _, err := cmd.Output(); err != nil {
		var exitErr *exec.ExitError
		if isExitError(err, &exitErr) {
			slog.Debug("call-cg stderr", "output", string(exitErr.Stderr))
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrAnalyze, ctx.Err())
		}
		return nil, fmt.Errorf("%w: running %s: %v", ErrAnalyze, a.cfg.Binary, err)
	}

	return parseCallersFile(filepath.Join(outDir, "callers.json"), targets)
}

// parseCallersFile reads the analyzer's callers.json and fills in empty
// entries for targets the tool did not mention.
func parseCallersFile(path string, targets []string) ([]models.TargetCallers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrAnalyze, path, err)
	}

	var found []models.TargetCallers
	if err := json.Unmarshal(data, &found); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrAnalyze, path, err)
	}

	byTarget := make(map[string][]models.CallerRecord, len(found))
	for _, tc := range found {
		byTarget[tc.Target] = append(byTarget[tc.Target], tc.Callers...)
	}

	result := make([]models.TargetCallers, 0, len(targets))
	for _, t := range targets {
		callers := byTarget[t]
		if callers == nil {
			callers = []models.CallerRecord{}
		}
		result = append(result, models.TargetCallers{Target: t, Callers: callers})
	}
	return result, nil
}

// containsAnyTarget is the cheap pre-filter run before the analyzer: it
// scans the source tree for the last path segment of any target
// function. A tree that never mentions the symbol cannot call it, so
// the expensive analysis is skipped.
func containsAnyTarget(srcDir string, targets []string) (bool, error) {
	needles := make([][]byte, 0, len(targets))
	for _, t := range targets {
		parts := strings.Split(t, "::")
		name := strings.TrimSpace(parts[len(parts)-1])
		if name != "" {
			needles = append(needles, []byte(name))
		}
	}
	if len(needles) == 0 {
		return false, nil
	}

	foundErr := fmt.Errorf("found")
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rs") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for _, n := range needles {
			if bytes.Contains(data, n) {
				return foundErr
			}
		}
		return nil
	})
	if err == foundErr {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("scanning %s: %w", srcDir, err)
	}
	return false, nil
}
