package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.stagecoach/config.json
// Project: .stagecoach/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".stagecoach", "config.json")
	projectPath := filepath.Join(".stagecoach", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base
// config. Missing files are silently skipped. Sections present in the file
// replace the base section wholesale; templates merge by name.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// Unmarshalling over the base struct overwrites only the fields the
	// file sets; map entries merge by key.
	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}

// Validate checks the merged configuration for type-level sanity. Tunables
// like the similarity threshold are opaque: checked for positivity, not for
// semantic ranges.
func (c *Config) Validate() error {
	if c.Scheduler.MinWorkers < 0 || c.Scheduler.MaxWorkers < 0 {
		return fmt.Errorf("scheduler worker counts must not be negative")
	}
	if c.Scheduler.MaxWorkers > 0 && c.Scheduler.MinWorkers > c.Scheduler.MaxWorkers {
		return fmt.Errorf("scheduler min_workers (%d) exceeds max_workers (%d)",
			c.Scheduler.MinWorkers, c.Scheduler.MaxWorkers)
	}
	if c.Batching.SimilarityThreshold < 0 {
		return fmt.Errorf("batching similarity_threshold must not be negative")
	}
	if c.Batching.MaxBatchSize < 0 || c.Batching.DefaultChunkSize < 0 {
		return fmt.Errorf("batching sizes must not be negative")
	}
	if c.Retry.InitialInterval < 0 || c.Retry.MaxInterval < 0 || c.Retry.RequeueWait < 0 {
		return fmt.Errorf("retry intervals must not be negative")
	}
	for _, tier := range c.Cache {
		if tier.Name == "" {
			return fmt.Errorf("cache tier name is required")
		}
	}

	for name, tmpl := range c.Templates {
		if tmpl == nil {
			return fmt.Errorf("template %q is empty", name)
		}
		if tmpl.Name == "" {
			tmpl.Name = name
		}
		if tmpl.Name != name {
			return fmt.Errorf("template key %q does not match its name %q", name, tmpl.Name)
		}
	}

	return nil
}
