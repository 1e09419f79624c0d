package config

import (
	"github.com/quillpath/stagecoach/internal/cache"
	"github.com/quillpath/stagecoach/internal/fault"
	"github.com/quillpath/stagecoach/internal/scheduler"
	"github.com/quillpath/stagecoach/internal/workflow"
)

// DefaultConfig returns the built-in configuration, including a standard
// three-stage workflow template.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: scheduler.DefaultConfig(),
		Batching:  scheduler.DefaultBatchingConfig(),
		Retry:     fault.DefaultRetryConfig(),
		Breaker:   fault.DefaultBreakerConfig(),
		Workflow:  workflow.DefaultConfig(),
		Cache:     cache.DefaultTiers(),
		History: HistoryConfig{
			Path: ".stagecoach/history.db",
		},
		Templates: map[string]*workflow.Template{
			"standard": {
				Name: "standard",
				Mode: workflow.ModeParallel,
				Stages: []workflow.StageSpec{
					{Name: "implement", Executors: []string{"coder"}},
					{Name: "review", DependsOn: []string{"implement"}, Executors: []string{"reviewer"}, AutoProgress: true},
					{Name: "test", DependsOn: []string{"implement"}, Executors: []string{"tester"}, AutoProgress: true},
					{Name: "finalize", DependsOn: []string{"review", "test"}, Executors: []string{"coder"}},
				},
			},
		},
	}
}
