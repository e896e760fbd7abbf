package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "cratetracker",
	Short: "Trace how far a crate vulnerability reaches through the dependency graph",
	Long: `cratetracker walks the reverse-dependency graph of a crates.io
snapshot to find every package version affected by a CVE, runs a
call-graph analyzer over each one to find real callers of the
vulnerable functions, and aggregates the results into per-CVE
reachability statistics.

Get started:
  cratetracker run     Propagate and analyze a single CVE
  cratetracker batch   Process a batch file of CVEs (YAML or CSV)
  cratetracker stats   Recompute statistics from persisted artifacts
  cratetracker watch   Run a batch file on a cron schedule`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.cratetracker/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		runCmd,
		batchCmd,
		statsCmd,
		watchCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("Verbose logging enabled")
	}
}
