package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/CosmoTheDev/cratetracker/internal/config"
	"github.com/CosmoTheDev/cratetracker/internal/semver"
	"github.com/CosmoTheDev/cratetracker/models"
)

var batchFile string

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Process a batch file of CVEs",
	Long: `Runs every CVE listed in a batch file sequentially. A failing CVE is
logged and does not stop the batch.

YAML format:
  cves:
    - cve: CVE-2025-4366
      package: pingora-core
      range: "<0.5.0"
      targets:
        - "pingora_core::protocols::http::v1::body::BodyReader::read_body"

CSV format (targets separated by semicolons):
  cve,package,range,targets
  CVE-2025-4366,pingora-core,<0.5.0,pingora_core::...::read_body`,
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().StringVar(&batchFile, "file", "", "Batch file, .yaml/.yml or .csv (required)")
	_ = batchCmd.MarkFlagRequired("file")
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	specs, err := loadBatchFile(batchFile)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("batch file %s lists no CVEs", batchFile)
	}

	return runBatchSpecs(cmd.Context(), cfg, specs)
}

func runBatchSpecs(ctx context.Context, cfg *config.Config, specs []models.CVESpec) error {
	for _, p := range overlappingEntries(specs) {
		slog.Warn("Batch entries target the same package with intersecting ranges, their subject sets overlap",
			"first", p[0], "second", p[1])
	}

	failed := 0
	for i, spec := range specs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Info("Batch entry", "index", i+1, "total", len(specs), "cve", spec.ID)
		if err := executeRun(ctx, cfg, spec); err != nil {
			slog.Error("Batch entry failed", "cve", spec.ID, "error", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d batch entries failed", failed, len(specs))
	}
	return nil
}

// overlappingEntries returns the CVE id pairs of entries that name the
// same package with intersecting affected ranges. Each such pair
// re-runs the pipeline over a shared slice of the dependency graph.
func overlappingEntries(specs []models.CVESpec) [][2]string {
	var pairs [][2]string
	for i := range specs {
		for j := i + 1; j < len(specs); j++ {
			if specs[i].Package != specs[j].Package {
				continue
			}
			ok, err := semver.Intersects(specs[i].AffectedRange, specs[j].AffectedRange)
			if err != nil || !ok {
				continue
			}
			pairs = append(pairs, [2]string{specs[i].ID, specs[j].ID})
		}
	}
	return pairs
}

// batchDocument is the YAML batch file shape.
type batchDocument struct {
	CVEs []struct {
		CVE     string   `yaml:"cve"`
		Package string   `yaml:"package"`
		Range   string   `yaml:"range"`
		Targets []string `yaml:"targets"`
	} `yaml:"cves"`
}

func loadBatchFile(path string) ([]models.CVESpec, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadYAMLBatch(path)
	case ".csv":
		return loadCSVBatch(path)
	default:
		return nil, fmt.Errorf("unsupported batch file type %q (use .yaml, .yml or .csv)", filepath.Ext(path))
	}
}

func loadYAMLBatch(path string) ([]models.CVESpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading batch file: %w", err)
	}
	var doc batchDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	specs := make([]models.CVESpec, 0, len(doc.CVEs))
	for i, e := range doc.CVEs {
		if e.CVE == "" || e.Package == "" || e.Range == "" {
			return nil, fmt.Errorf("%s: entry %d is missing cve, package or range", path, i+1)
		}
		specs = append(specs, models.CVESpec{
			ID:              e.CVE,
			Package:         e.Package,
			AffectedRange:   e.Range,
			TargetFunctions: e.Targets,
		})
	}
	return specs, nil
}

func loadCSVBatch(path string) ([]models.CVESpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading batch file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 4
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	var specs []models.CVESpec
	for i, row := range rows {
		// Skip the header row if present.
		if i == 0 && strings.EqualFold(row[0], "cve") {
			continue
		}
		var targets []string
		for _, t := range strings.Split(row[3], ";") {
			if t = strings.TrimSpace(t); t != "" {
				targets = append(targets, t)
			}
		}
		specs = append(specs, models.CVESpec{
			ID:              strings.TrimSpace(row[0]),
			Package:         strings.TrimSpace(row[1]),
			AffectedRange:   strings.TrimSpace(row[2]),
			TargetFunctions: targets,
		})
	}
	return specs, nil
}
