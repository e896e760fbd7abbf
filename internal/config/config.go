package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultConfigDir   = ".cratetracker"
	DefaultConfigFile  = "config.json"
	DefaultStateDBFile = ".cratetracker/cratetracker.db"
	DefaultBinDir      = ".cratetracker/bin"
)

// Load reads the config file (creating defaults if absent) and returns
// a populated Config. The configPath flag may override the default location.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("cratetracker")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file exists but is malformed.
			if !isNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
		// No config yet, defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)
	return &cfg, nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	if configPath == "" {
		configPath = filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}

	return os.WriteFile(configPath, data, 0o600)
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("snapshot.driver", "sqlite")
	v.SetDefault("snapshot.path", filepath.Join(home, DefaultConfigDir, "snapshot.db"))
	v.SetDefault("snapshot.dsn", "")
	v.SetDefault("snapshot.read_only", true)

	v.SetDefault("state.driver", "sqlite")
	v.SetDefault("state.path", filepath.Join(home, DefaultStateDBFile))
	v.SetDefault("state.dsn", "")

	v.SetDefault("analyzer.bin_dir", filepath.Join(home, DefaultBinDir))
	v.SetDefault("analyzer.binary", "call-cg")
	v.SetDefault("analyzer.docker_image", "")
	v.SetDefault("analyzer.prefer_docker", false)
	v.SetDefault("analyzer.subject_timeout", 4*time.Minute)

	v.SetDefault("traversal.bfs_workers", 4)
	v.SetDefault("traversal.pipeline_workers", 8)
	v.SetDefault("traversal.max_subjects", 2000)
	v.SetDefault("traversal.max_depth", 0)
	v.SetDefault("traversal.prune_unreachable", false)

	v.SetDefault("fetch.registry_url", "https://crates.io/api/v1/crates")
	v.SetDefault("fetch.download_dir", filepath.Join(home, DefaultConfigDir, "downloads"))
	v.SetDefault("fetch.git_fallback", false)

	v.SetDefault("stats.results_dir", filepath.Join(home, DefaultConfigDir, "results"))
	v.SetDefault("stats.top_k", 10)
	v.SetDefault("stats.top_subjects", 20)
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Snapshot.Path = expandHome(cfg.Snapshot.Path, home)
	cfg.State.Path = expandHome(cfg.State.Path, home)
	cfg.Analyzer.BinDir = expandHome(cfg.Analyzer.BinDir, home)
	cfg.Fetch.DownloadDir = expandHome(cfg.Fetch.DownloadDir, home)
	cfg.Stats.ResultsDir = expandHome(cfg.Stats.ResultsDir, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}
