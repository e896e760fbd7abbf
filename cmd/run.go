package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/cratetracker/internal/config"
	"github.com/CosmoTheDev/cratetracker/internal/database"
	"github.com/CosmoTheDev/cratetracker/internal/graph"
	"github.com/CosmoTheDev/cratetracker/internal/pipeline"
	"github.com/CosmoTheDev/cratetracker/internal/propagate"
	"github.com/CosmoTheDev/cratetracker/internal/runner"
	"github.com/CosmoTheDev/cratetracker/internal/semver"
	"github.com/CosmoTheDev/cratetracker/internal/stats"
	"github.com/CosmoTheDev/cratetracker/models"
)

var (
	runCVE         string
	runPackage     string
	runRange       string
	runTargets     []string
	runMaxSubjects int
	runMaxDepth    int
	runPrune       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Propagate and analyze a single CVE",
	Long: `Finds every package version transitively affected by the CVE and
runs the call-graph analyzer over each one.

Examples:
  cratetracker run --cve CVE-2025-4366 --package pingora-core --range "<0.5.0" \
      --targets "pingora_core::protocols::http::v1::body::BodyReader::read_body"
  cratetracker run --cve RUSTSEC-2024-0003 --package h2 --range ">=0.3.0, <0.3.24" \
      --targets "h2::client::SendRequest::send_request" --max-subjects 500`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runCVE, "cve", "", "CVE or advisory identifier (required)")
	runCmd.Flags().StringVar(&runPackage, "package", "", "Vulnerable package name (required)")
	runCmd.Flags().StringVar(&runRange, "range", "", "Affected version range, cargo syntax (required)")
	runCmd.Flags().StringSliceVar(&runTargets, "targets", nil, "Fully-qualified vulnerable function paths (required)")
	runCmd.Flags().IntVar(&runMaxSubjects, "max-subjects", 0, "Override the subject ceiling from config")
	runCmd.Flags().IntVar(&runMaxDepth, "max-depth", -1, "Override the depth ceiling from config (0 = unlimited)")
	runCmd.Flags().BoolVar(&runPrune, "prune-unreachable", false, "Stop expanding below subjects with no callers")
	_ = runCmd.MarkFlagRequired("cve")
	_ = runCmd.MarkFlagRequired("package")
	_ = runCmd.MarkFlagRequired("range")
	_ = runCmd.MarkFlagRequired("targets")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyRunOverrides(cfg)

	spec := models.CVESpec{
		ID:              runCVE,
		Package:         runPackage,
		AffectedRange:   runRange,
		TargetFunctions: runTargets,
	}
	return executeRun(ctx, cfg, spec)
}

func applyRunOverrides(cfg *config.Config) {
	if runMaxSubjects > 0 {
		cfg.Traversal.MaxSubjects = runMaxSubjects
	}
	if runMaxDepth >= 0 {
		cfg.Traversal.MaxDepth = runMaxDepth
	}
	if runPrune {
		cfg.Traversal.PruneUnreachable = true
	}
}

// executeRun wires one run from config and executes it. Shared by run,
// batch and watch.
func executeRun(ctx context.Context, cfg *config.Config, spec models.CVESpec) error {
	if err := validateSpec(cfg, spec); err != nil {
		return err
	}

	snapshot, err := database.New(cfg.Snapshot)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer snapshot.Close()

	state, err := database.New(cfg.State)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer state.Close()
	if err := state.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	analyzer := pipeline.NewCallCGAnalyzer(cfg.Analyzer)
	if !analyzer.IsAvailable(ctx) {
		return fmt.Errorf("analyzer %q not found in %s or PATH, and no Docker fallback available",
			cfg.Analyzer.Binary, cfg.Analyzer.BinDir)
	}

	registry := pipeline.NewRegistryFetcher(cfg.Fetch)
	var fallback pipeline.Fetcher
	if cfg.Fetch.GitFallback {
		fallback = pipeline.NewGitFetcher(registry, cfg.Fetch.DownloadDir)
	}
	pipe := pipeline.New(registry, fallback, analyzer, cfg.Stats.ResultsDir, cfg.Analyzer.SubjectTimeout)

	engine := propagate.New(graph.NewSnapshotSource(snapshot), cfg.Traversal)
	statsEngine := stats.New(cfg.Stats.ResultsDir, cfg.Stats.TopK, cfg.Stats.TopSubjects)

	r := runner.New(engine, pipe, statsEngine, state, cfg.Traversal.PipelineWorkers, cfg.Traversal.PruneUnreachable)
	result, err := r.Run(ctx, spec)
	if err != nil {
		if runner.IsRetryable(err) {
			slog.Warn("Run failed with a retryable error", "cve", spec.ID, "error", err)
		}
		return fmt.Errorf("running %s: %w", spec.ID, err)
	}

	printRunSummary(result)
	return nil
}

func validateSpec(cfg *config.Config, spec models.CVESpec) error {
	if _, err := semver.ParseReq(spec.AffectedRange); err != nil {
		return fmt.Errorf("affected range %q: %w", spec.AffectedRange, err)
	}
	if len(spec.TargetFunctions) == 0 {
		return fmt.Errorf("%s: at least one target function is required", spec.ID)
	}
	if cfg.Stats.ResultsDir == "" {
		return fmt.Errorf("stats.results_dir is not configured")
	}
	return nil
}

func printRunSummary(result *runner.RunResult) {
	succeeded, skipped, failed := result.Manifest.Counts()

	fmt.Printf("\nRun %s: %s\n", result.Manifest.CVE, result.Status)
	fmt.Printf("Subjects: %d analyzed, %d skipped, %d failed\n", succeeded, skipped, failed)
	if result.Truncated {
		fmt.Println("Note: the affected set was truncated by a configured ceiling;")
		fmt.Println("raise traversal.max_subjects or traversal.max_depth for full coverage.")
	}
	if failed > 0 {
		fmt.Println("\nFailed subjects:")
		for _, s := range result.Manifest.Subjects {
			if s.Status != models.SubjectFailed {
				continue
			}
			fmt.Printf("  %s@%s  stage=%s  %s\n", s.Package, s.Version, s.Stage, firstLine(s.ErrorMsg))
		}
	}
	if result.Report != nil {
		fmt.Println()
		fmt.Println(stats.Render(result.Report))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
