package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/cratetracker/internal/config"
	"github.com/CosmoTheDev/cratetracker/internal/stats"
)

var statsCVE string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Recompute statistics from persisted artifacts",
	Long: `Rebuilds the per-CVE statistics report from the subject artifacts on
disk without re-running propagation or analysis. Useful after manual
artifact cleanup or to re-render with different top-K settings.

Example:
  cratetracker stats --cve CVE-2025-4366`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsCVE, "cve", "", "CVE identifier to recompute (required)")
	_ = statsCmd.MarkFlagRequired("cve")
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	engine := stats.New(cfg.Stats.ResultsDir, cfg.Stats.TopK, cfg.Stats.TopSubjects)
	report, err := engine.Compute(statsCVE)
	if err != nil {
		return fmt.Errorf("computing statistics for %s: %w", statsCVE, err)
	}

	path, err := engine.WriteJSON(report)
	if err != nil {
		return err
	}

	fmt.Println(stats.Render(report))
	fmt.Printf("Written to %s\n", path)
	return nil
}
