// Package stats aggregates persisted subject artifacts into a per-CVE
// report. Every computation is a full recompute over the artifact set;
// there is no incremental state to drift out of sync.
package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/CosmoTheDev/cratetracker/models"
)

// ErrAggregation marks report computation failures: an unreadable
// artifact directory or a CVE with no loadable artifacts at all.
// Individually corrupt artifacts are excluded and counted instead.
var ErrAggregation = errors.New("aggregation failed")

// HistogramBin is one (value, count) pair. Bins are ordered by value.
type HistogramBin struct {
	Value int64 `json:"value"`
	Count int   `json:"count"`
}

// MetricSummary describes the distribution of one caller-path metric.
// Percentiles use the nearest-rank method.
type MetricSummary struct {
	Min       int64          `json:"min"`
	Max       int64          `json:"max"`
	Mean      float64        `json:"mean"`
	P50       int64          `json:"p50"`
	P90       int64          `json:"p90"`
	P95       int64          `json:"p95"`
	P99       int64          `json:"p99"`
	Histogram []HistogramBin `json:"histogram"`
}

// Sample is one notable caller kept in a top-K list.
type Sample struct {
	Subject         string `json:"subject"`
	Path            string `json:"path"`
	PathConstraints int64  `json:"path_constraints"`
	PathPackageNum  int64  `json:"path_package_num"`
}

// FunctionStats aggregates all callers of one target function across
// every analyzed subject.
type FunctionStats struct {
	Target           string        `json:"target"`
	TotalCallers     int           `json:"total_callers"`
	UniqueCallPaths  int           `json:"unique_call_paths"`
	AffectedSubjects int           `json:"affected_subjects"`
	Constraints      MetricSummary `json:"path_constraints"`
	PackageNum       MetricSummary `json:"path_package_num"`
	TopByConstraints []Sample      `json:"top_by_constraints"`
	TopByPackageNum  []Sample      `json:"top_by_package_num"`
}

// DepthStats summarizes one propagation layer: how many subjects sit
// at that distance from the vulnerable package, and how many of them
// actually reach a target.
type DepthStats struct {
	Depth     int `json:"depth"`
	Subjects  int `json:"subjects"`
	Reachable int `json:"reachable_subjects"`
	Callers   int `json:"total_callers"`
}

// SubjectSummary ranks one subject in the global top list.
type SubjectSummary struct {
	Subject      string `json:"subject"`
	Depth        int    `json:"depth"`
	TotalCallers int    `json:"total_callers"`
}

// Report is the per-CVE aggregation result. One Report feeds both the
// JSON artifact and the human-readable rendering.
type Report struct {
	CVE          string           `json:"cve_id"`
	GeneratedAt  time.Time        `json:"generated_at"`
	Subjects     int              `json:"subjects"`
	Excluded     int              `json:"excluded_subjects"`
	TotalCallers int              `json:"total_callers"`
	Depths       []DepthStats     `json:"depth_distribution"`
	Functions    []FunctionStats  `json:"functions"`
	TopSubjects  []SubjectSummary `json:"top_subjects"`
}

// Engine computes reports from an artifact directory.
type Engine struct {
	resultsDir  string
	topK        int
	topSubjects int
}

// New returns an Engine reading artifacts under resultsDir, keeping
// topK samples per metric and topSubjects entries in the global list.
func New(resultsDir string, topK, topSubjects int) *Engine {
	if topK <= 0 {
		topK = 10
	}
	if topSubjects <= 0 {
		topSubjects = 20
	}
	return &Engine{resultsDir: resultsDir, topK: topK, topSubjects: topSubjects}
}

// Compute loads every artifact under resultsDir/<cve>/ and aggregates
// it. Artifacts that fail to decode are excluded from the numbers and
// counted in Report.Excluded.
func (e *Engine) Compute(cve string) (*Report, error) {
	dir := filepath.Join(e.resultsDir, cve)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrAggregation, dir, err)
	}

	var (
		results  []*models.SubjectResult
		excluded int
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || strings.HasPrefix(entry.Name(), "stats-") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Excluding unreadable artifact", "file", path, "error", err)
			excluded++
			continue
		}
		var r models.SubjectResult
		if err := json.Unmarshal(data, &r); err != nil {
			slog.Warn("Excluding corrupt artifact", "file", path, "error", err)
			excluded++
			continue
		}
		results = append(results, &r)
	}

	if len(results) == 0 && excluded > 0 {
		return nil, fmt.Errorf("%w: no loadable artifacts for %s (%d excluded)", ErrAggregation, cve, excluded)
	}

	report := e.aggregate(cve, results)
	report.Excluded = excluded
	return report, nil
}

func (e *Engine) aggregate(cve string, results []*models.SubjectResult) *Report {
	report := &Report{
		CVE:         cve,
		GeneratedAt: time.Now().UTC(),
		Subjects:    len(results),
	}

	type accum struct {
		samples []Sample
		// uniquePairs holds distinct (subject, caller path) pairs. The
		// same caller path surfacing in two subjects is two call paths.
		uniquePairs map[string]struct{}
		subjects    map[string]struct{}
	}
	byTarget := map[string]*accum{}
	byDepth := map[int]*DepthStats{}

	for _, r := range results {
		subject := r.Package + "@" + r.Version
		subjectCallers := 0
		for _, tc := range r.Targets {
			acc := byTarget[tc.Target]
			if acc == nil {
				acc = &accum{uniquePairs: map[string]struct{}{}, subjects: map[string]struct{}{}}
				byTarget[tc.Target] = acc
			}
			if len(tc.Callers) > 0 {
				acc.subjects[subject] = struct{}{}
			}
			for _, c := range tc.Callers {
				acc.samples = append(acc.samples, Sample{
					Subject:         subject,
					Path:            c.Path,
					PathConstraints: c.PathConstraints,
					PathPackageNum:  c.PathPackageNum,
				})
				acc.uniquePairs[subject+"\x00"+c.Path] = struct{}{}
				subjectCallers++
			}
		}
		ds := byDepth[r.Depth]
		if ds == nil {
			ds = &DepthStats{Depth: r.Depth}
			byDepth[r.Depth] = ds
		}
		ds.Subjects++
		ds.Callers += subjectCallers
		if subjectCallers > 0 {
			ds.Reachable++
		}
		report.TotalCallers += subjectCallers
		if subjectCallers > 0 {
			report.TopSubjects = append(report.TopSubjects, SubjectSummary{
				Subject:      subject,
				Depth:        r.Depth,
				TotalCallers: subjectCallers,
			})
		}
	}

	for _, ds := range byDepth {
		report.Depths = append(report.Depths, *ds)
	}
	sort.Slice(report.Depths, func(i, j int) bool { return report.Depths[i].Depth < report.Depths[j].Depth })

	targets := make([]string, 0, len(byTarget))
	for t := range byTarget {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	for _, t := range targets {
		acc := byTarget[t]
		fs := FunctionStats{
			Target:           t,
			TotalCallers:     len(acc.samples),
			UniqueCallPaths:  len(acc.uniquePairs),
			AffectedSubjects: len(acc.subjects),
		}
		if len(acc.samples) > 0 {
			constraints := make([]int64, len(acc.samples))
			packages := make([]int64, len(acc.samples))
			for i, s := range acc.samples {
				constraints[i] = s.PathConstraints
				packages[i] = s.PathPackageNum
			}
			fs.Constraints = summarize(constraints)
			fs.PackageNum = summarize(packages)
			fs.TopByConstraints = topSamples(acc.samples, e.topK, func(s Sample) int64 { return s.PathConstraints })
			fs.TopByPackageNum = topSamples(acc.samples, e.topK, func(s Sample) int64 { return s.PathPackageNum })
		}
		report.Functions = append(report.Functions, fs)
	}

	sort.Slice(report.TopSubjects, func(i, j int) bool {
		if report.TopSubjects[i].TotalCallers != report.TopSubjects[j].TotalCallers {
			return report.TopSubjects[i].TotalCallers > report.TopSubjects[j].TotalCallers
		}
		return report.TopSubjects[i].Subject < report.TopSubjects[j].Subject
	})
	if len(report.TopSubjects) > e.topSubjects {
		report.TopSubjects = report.TopSubjects[:e.topSubjects]
	}

	return report
}

// WriteJSON persists the report as stats-<cve>.json next to the
// artifacts, atomically.
func (e *Engine) WriteJSON(report *Report) (string, error) {
	dir := filepath.Join(e.resultsDir, report.CVE)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAggregation, err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: encoding report: %v", ErrAggregation, err)
	}

	dest := filepath.Join(dir, "stats-"+report.CVE+".json")
	tmp, err := os.CreateTemp(dir, ".stats-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAggregation, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: writing report: %v", ErrAggregation, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAggregation, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAggregation, err)
	}
	return dest, nil
}

// summarize computes the distribution summary of values.
func summarize(values []int64) MetricSummary {
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	hist := map[int64]int{}
	for _, v := range sorted {
		sum += v
		hist[v]++
	}

	bins := make([]HistogramBin, 0, len(hist))
	for v, c := range hist {
		bins = append(bins, HistogramBin{Value: v, Count: c})
	}
	sort.Slice(bins, func(i, j int) bool { return bins[i].Value < bins[j].Value })

	return MetricSummary{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      float64(sum) / float64(len(sorted)),
		P50:       percentile(sorted, 50),
		P90:       percentile(sorted, 90),
		P95:       percentile(sorted, 95),
		P99:       percentile(sorted, 99),
		Histogram: bins,
	}
}

// percentile returns the nearest-rank percentile of sorted values:
// the element at index ceil(p/100*N)-1, clamped to the valid range.
func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(p)/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// topSamples returns the k samples with the highest metric value,
// tie-broken by path for deterministic output.
func topSamples(samples []Sample, k int, metric func(Sample) int64) []Sample {
	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		mi, mj := metric(sorted[i]), metric(sorted[j])
		if mi != mj {
			return mi > mj
		}
		if sorted[i].Subject != sorted[j].Subject {
			return sorted[i].Subject < sorted[j].Subject
		}
		return sorted[i].Path < sorted[j].Path
	})
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}
