package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/cratetracker/internal/config"
	"github.com/CosmoTheDev/cratetracker/models"
)

var (
	watchFile string
	watchExpr string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run a batch file on a cron schedule",
	Long: `Re-runs a batch file on a schedule, picking up registry snapshot
updates and overwriting per-subject artifacts with fresh results.

Example:
  cratetracker watch --file cves.yaml --cron "0 3 * * *"`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchFile, "file", "", "Batch file to run on schedule (required)")
	watchCmd.Flags().StringVar(&watchExpr, "cron", "0 3 * * *", "Cron expression (standard 5-field syntax)")
	_ = watchCmd.MarkFlagRequired("file")
}

// batchJob is one scheduled batch execution. It is registered behind
// cron's SkipIfStillRunning wrapper, so a batch that outlasts the
// schedule interval skips the overlapping trigger instead of running
// two batches over the same artifact directory.
type batchJob struct {
	ctx   context.Context
	cfg   *config.Config
	file  string
	specs []models.CVESpec // last good copy, used when a reload fails
	run   func(context.Context, *config.Config, []models.CVESpec) error
}

func (j *batchJob) Run() {
	slog.Info("Scheduled batch starting", "file", j.file)
	// Reload so edits to the batch file take effect between runs.
	current, err := loadBatchFile(j.file)
	if err != nil {
		slog.Error("Batch file became unreadable, using last good copy", "error", err)
		current = j.specs
	} else {
		j.specs = current
	}
	if err := j.run(j.ctx, j.cfg, current); err != nil {
		slog.Error("Scheduled batch failed", "error", err)
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Fail on an unreadable batch file now, not at 3am.
	specs, err := loadBatchFile(watchFile)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("batch file %s lists no CVEs", watchFile)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	job := &batchJob{ctx: ctx, cfg: cfg, file: watchFile, specs: specs, run: runBatchSpecs}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddJob(watchExpr, job); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", watchExpr, err)
	}

	c.Start()
	slog.Info("Watch started", "file", watchFile, "cron", watchExpr, "cves", len(specs))

	<-ctx.Done()
	slog.Info("Shutting down, waiting for running batch to finish")
	<-c.Stop().Done()
	return nil
}
