// Package config loads, merges, and saves engine configuration. JSON files
// merge over built-in defaults: global config first, then project config with
// the highest precedence.
package config

import (
	"github.com/quillpath/stagecoach/internal/cache"
	"github.com/quillpath/stagecoach/internal/fault"
	"github.com/quillpath/stagecoach/internal/scheduler"
	"github.com/quillpath/stagecoach/internal/workflow"
)

// HistoryConfig configures the run-history store.
type HistoryConfig struct {
	// Path to the SQLite database file. Empty disables recording.
	Path string `json:"path,omitempty"`
}

// Config is the top-level engine configuration.
type Config struct {
	Scheduler scheduler.Config         `json:"scheduler"`
	Batching  scheduler.BatchingConfig `json:"batching"`
	Retry     fault.RetryConfig        `json:"retry"`
	Breaker   fault.BreakerConfig      `json:"breaker"`
	Workflow  workflow.Config          `json:"workflow"`
	Cache     []cache.TierConfig       `json:"cache"`
	History   HistoryConfig            `json:"history"`

	// Templates maps template name to its workflow definition.
	Templates map[string]*workflow.Template `json:"templates"`
}
