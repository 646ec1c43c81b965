// Package config loads promoledger configuration from a YAML file with
// environment variable overrides. A missing config file is not an error:
// defaults are usable for a conventional layout where everything lives
// under a single data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"promoledger/internal/manifest"
)

// Config holds all promoledger configuration.
type Config struct {
	// Paths to the durable state and raw generator output.
	Paths PathsConfig `yaml:"paths"`

	// Consolidation of raw batch files.
	Consolidate ConsolidateConfig `yaml:"consolidate"`

	// Content scoring for dedupe and promotion.
	Content ContentConfig `yaml:"content"`

	// Outer run loop.
	Loop LoopConfig `yaml:"loop"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// PathsConfig locates the data directory and the read-only collaborator
// files. Ledger, checkpoint, manifest, lock and archive paths are derived
// from DataDir.
type PathsConfig struct {
	DataDir    string `yaml:"data_dir"`
	RawDir     string `yaml:"raw_dir"`
	Population string `yaml:"population"`
	Manual     string `yaml:"manual"`
	Deny       string `yaml:"deny"`
}

// ConsolidateConfig configures raw batch folding.
type ConsolidateConfig struct {
	SuccessGlob string `yaml:"success_glob"`
	RejectGlob  string `yaml:"reject_glob"`
	// size_mtime (fast path) or content_hash (exact)
	SignatureMode string `yaml:"signature_mode"`
}

// ContentConfig names the content fields a complete record carries. The
// completeness score counts these.
type ContentConfig struct {
	ExpectedFields []string `yaml:"expected_fields"`
}

// LoopConfig configures the outer reconciliation loop.
type LoopConfig struct {
	Interval string `yaml:"interval"`
	// WatchRaw wakes the loop early when new raw files land.
	WatchRaw bool `yaml:"watch_raw"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir:    "data",
			RawDir:     "data/raw",
			Population: "data/population.txt",
			Manual:     "data/manual.txt",
			Deny:       "data/deny.txt",
		},
		Consolidate: ConsolidateConfig{
			SuccessGlob:   "batch-*.jsonl",
			RejectGlob:    "rejects-*.jsonl",
			SignatureMode: "size_mtime",
		},
		Content: ContentConfig{
			ExpectedFields: []string{"title", "description", "body"},
		},
		Loop: LoopConfig{
			Interval: "5m",
			WatchRaw: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
	}
}

// Load loads configuration from a YAML file. A missing file loads the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("PROMOLEDGER_DATA_DIR"); dir != "" {
		c.Paths.DataDir = dir
	}
	if dir := os.Getenv("PROMOLEDGER_RAW_DIR"); dir != "" {
		c.Paths.RawDir = dir
	}
	if path := os.Getenv("PROMOLEDGER_POPULATION"); path != "" {
		c.Paths.Population = path
	}
	if level := os.Getenv("PROMOLEDGER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// CheckpointPath returns the checkpoint document path.
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.Paths.DataDir, "checkpoint.json")
}

// ManifestPath returns the processed-file manifest path.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.Paths.DataDir, "manifest.json")
}

// LockPath returns the single-writer lock file path.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "pipeline.lock")
}

// ArchivePath returns the provenance archive database path.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.Paths.DataDir, "provenance.db")
}

// SignatureMode returns the manifest signature mode, defaulting to the
// size+mtime fast path on an unrecognized value.
func (c *Config) SignatureMode() manifest.SignatureMode {
	if c.Consolidate.SignatureMode == "content_hash" {
		return manifest.ModeContentHash
	}
	return manifest.ModeSizeMtime
}

// LoopInterval returns the run-loop sleep interval as a duration.
func (c *Config) LoopInterval() time.Duration {
	d, err := time.ParseDuration(c.Loop.Interval)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir is required")
	}
	if c.Paths.RawDir == "" {
		return fmt.Errorf("paths.raw_dir is required")
	}
	if c.Paths.Population == "" {
		return fmt.Errorf("paths.population is required")
	}
	if len(c.Content.ExpectedFields) == 0 {
		return fmt.Errorf("content.expected_fields must name at least one field")
	}
	switch c.Consolidate.SignatureMode {
	case "size_mtime", "content_hash":
	default:
		return fmt.Errorf("consolidate.signature_mode must be size_mtime or content_hash, got %q",
			c.Consolidate.SignatureMode)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}
