// Package workflow executes dependency-graph workflow templates: stages are
// planned into ready groups per the template's coordination mode, each group's
// stages run as tasks on the shared scheduler, and stage outputs feed the
// stages that depend on them.
package workflow

import (
	"fmt"
	"time"

	"github.com/gammazero/toposort"
)

// CoordinationMode governs how ready stage-groups are scheduled.
type CoordinationMode string

const (
	// ModeSequential forces every stage into its own group in declaration
	// order. Deliberately ignores parallel opportunities, for tooling or
	// resources with strict ordering needs.
	ModeSequential CoordinationMode = "sequential"
	// ModeParallel runs ready groups as computed: maximal concurrency
	// respecting dependencies.
	ModeParallel CoordinationMode = "parallel"
	// ModeHierarchical runs every stage involving the template's lead role
	// alone first, then all remaining stages as one parallel group.
	ModeHierarchical CoordinationMode = "hierarchical"
)

// StageSpec declares one node of a template's dependency graph.
type StageSpec struct {
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on,omitempty"`
	// Executors lists the logical roles invoked for this stage. Each role
	// becomes one task, routed by kind to its registered executor.
	Executors []string `json:"executors"`
	// AutoProgress marks the stage eligible for auto-progression
	// accounting. Progression itself is unconditional.
	AutoProgress bool `json:"auto_progress,omitempty"`
	// SuccessThreshold is the success ratio at or above which an
	// auto-progression event is recorded (default 0.8).
	SuccessThreshold float64 `json:"success_threshold,omitempty"`
}

// Template is a reusable workflow definition.
type Template struct {
	Name   string           `json:"name"`
	Mode   CoordinationMode `json:"mode"`
	Stages []StageSpec      `json:"stages"`

	// LeadRole singles out stages for hierarchical mode.
	LeadRole string `json:"lead_role,omitempty"`

	// GroupTimeout bounds each ready group's wall time; 0 uses the
	// executor default.
	GroupTimeout time.Duration `json:"group_timeout,omitempty"`

	// CacheTTL is the stage-output cache lifetime; 0 uses the executor
	// default, negative disables caching for this template.
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`
}

// Validate checks the template for structural problems. Unknown dependencies,
// duplicate stage names or executor roles, empty stages, and bad modes are
// errors. A dependency
// cycle is returned as *CyclicDependencyError so the caller can log it and
// proceed: planning breaks cycles deterministically rather than failing.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	switch t.Mode {
	case ModeSequential, ModeParallel, ModeHierarchical:
	case "":
		return fmt.Errorf("template %q: coordination mode is required", t.Name)
	default:
		return fmt.Errorf("template %q: unknown coordination mode %q", t.Name, t.Mode)
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template %q has no stages", t.Name)
	}
	if t.Mode == ModeHierarchical && t.LeadRole == "" {
		return fmt.Errorf("template %q: hierarchical mode requires a lead role", t.Name)
	}

	names := make(map[string]struct{}, len(t.Stages))
	for _, s := range t.Stages {
		if s.Name == "" {
			return fmt.Errorf("template %q: stage name is required", t.Name)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("template %q: duplicate stage %q", t.Name, s.Name)
		}
		names[s.Name] = struct{}{}
		if len(s.Executors) == 0 {
			return fmt.Errorf("template %q: stage %q has no executors", t.Name, s.Name)
		}
		// Stage results are keyed by role, so a repeated role would collapse
		// to one task and skew the success ratio.
		roles := make(map[string]struct{}, len(s.Executors))
		for _, role := range s.Executors {
			if _, dup := roles[role]; dup {
				return fmt.Errorf("template %q: stage %q lists executor role %q twice", t.Name, s.Name, role)
			}
			roles[role] = struct{}{}
		}
	}
	for _, s := range t.Stages {
		for _, dep := range s.DependsOn {
			if _, ok := names[dep]; !ok {
				return fmt.Errorf("template %q: stage %q depends on unknown stage %q", t.Name, s.Name, dep)
			}
			if dep == s.Name {
				return &CyclicDependencyError{Template: t.Name, Detail: fmt.Errorf("stage %q depends on itself", s.Name)}
			}
		}
	}

	var edges []toposort.Edge
	for _, s := range t.Stages {
		if len(s.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, s.Name})
			continue
		}
		for _, dep := range s.DependsOn {
			edges = append(edges, toposort.Edge{dep, s.Name})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return &CyclicDependencyError{Template: t.Name, Detail: err}
	}

	return nil
}
