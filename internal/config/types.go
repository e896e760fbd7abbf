package config

import "time"

// Config is the root configuration structure for cratetracker.
// Serialised to ~/.cratetracker/config.json.
type Config struct {
	Snapshot  DatabaseConfig  `mapstructure:"snapshot"  json:"snapshot"`
	State     DatabaseConfig  `mapstructure:"state"     json:"state"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"  json:"analyzer"`
	Traversal TraversalConfig `mapstructure:"traversal" json:"traversal"`
	Fetch     FetchConfig     `mapstructure:"fetch"     json:"fetch"`
	Stats     StatsConfig     `mapstructure:"stats"     json:"stats"`
}

// DatabaseConfig describes one database connection. It is used twice:
// "snapshot" is the read-only registry snapshot (crates, versions,
// dependencies relations) and "state" is the local run-manifest store.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL data source name (used when Driver == "mysql").
	DSN string `mapstructure:"dsn"    json:"dsn"`
	// ReadOnly opens the database without write access. Set for the
	// snapshot so a run can never mutate the registry data.
	ReadOnly bool `mapstructure:"read_only" json:"read_only"`
}

// AnalyzerConfig controls the external call-graph analyzer invocation.
type AnalyzerConfig struct {
	// BinDir is where the analyzer binary is expected.
	BinDir string `mapstructure:"bin_dir" json:"bin_dir"`
	// Binary is the analyzer executable name.
	Binary string `mapstructure:"binary" json:"binary"`
	// DockerImage is used as a fallback when the binary is missing.
	DockerImage string `mapstructure:"docker_image" json:"docker_image"`
	// PreferDocker forces docker execution even when the binary is present.
	PreferDocker bool `mapstructure:"prefer_docker" json:"prefer_docker"`
	// SubjectTimeout bounds one subject's acquisition + analysis.
	SubjectTimeout time.Duration `mapstructure:"subject_timeout" json:"subject_timeout"`
}

// TraversalConfig bounds the propagation BFS and the subject pipeline.
type TraversalConfig struct {
	// BFSWorkers gates concurrent frontier expansions.
	BFSWorkers int `mapstructure:"bfs_workers" json:"bfs_workers"`
	// PipelineWorkers gates concurrent subject pipelines.
	PipelineWorkers int `mapstructure:"pipeline_workers" json:"pipeline_workers"`
	// MaxSubjects caps the affected set; hitting it truncates the run.
	MaxSubjects int `mapstructure:"max_subjects" json:"max_subjects"`
	// MaxDepth caps BFS depth; 0 means unlimited.
	MaxDepth int `mapstructure:"max_depth" json:"max_depth"`
	// PruneUnreachable stops expanding through subjects whose analysis
	// found no callers.
	PruneUnreachable bool `mapstructure:"prune_unreachable" json:"prune_unreachable"`
}

// FetchConfig controls crate source acquisition.
type FetchConfig struct {
	// RegistryURL is the crate download endpoint.
	RegistryURL string `mapstructure:"registry_url" json:"registry_url"`
	// DownloadDir caches archives and extracted trees.
	DownloadDir string `mapstructure:"download_dir" json:"download_dir"`
	// GitFallback enables cloning a crate's repository at the version
	// tag when the registry archive is unavailable.
	GitFallback bool `mapstructure:"git_fallback" json:"git_fallback"`
}

// StatsConfig controls the statistics engine.
type StatsConfig struct {
	// ResultsDir is where per-subject artifacts and reports live,
	// namespaced by CVE identifier.
	ResultsDir string `mapstructure:"results_dir" json:"results_dir"`
	// TopK is how many samples to keep per metric for human triage.
	TopK int `mapstructure:"top_k" json:"top_k"`
	// TopSubjects is how many subjects to list by caller count.
	TopSubjects int `mapstructure:"top_subjects" json:"top_subjects"`
}
