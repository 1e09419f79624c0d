package workflow

import (
	"sort"

	"go.uber.org/zap"
)

// Plan computes the execution order for a template as successive ready
// groups: each group holds the stages whose dependencies all completed in
// earlier groups, shaped by the coordination mode.
//
// Planning always terminates and emits every stage exactly once. When no
// stage becomes ready in an iteration (a dependency cycle survived
// validation), the lexicographically-first remaining stage is forced into its
// own group and the defect is logged, never raised.
func Plan(t *Template, logger *zap.Logger) [][]string {
	if logger == nil {
		logger = zap.NewNop()
	}

	if t.Mode == ModeHierarchical {
		return planHierarchical(t)
	}

	groups := planReadyGroups(t, logger)

	if t.Mode == ModeSequential {
		var singletons [][]string
		for _, group := range groups {
			for _, name := range group {
				singletons = append(singletons, []string{name})
			}
		}
		return singletons
	}

	return groups
}

// planReadyGroups repeatedly collects all not-yet-processed stages whose
// dependencies are all processed, in declaration order.
func planReadyGroups(t *Template, logger *zap.Logger) [][]string {
	processed := make(map[string]bool, len(t.Stages))
	var groups [][]string

	for len(processed) < len(t.Stages) {
		var ready []string
		for _, s := range t.Stages {
			if processed[s.Name] {
				continue
			}
			ok := true
			for _, dep := range s.DependsOn {
				if !processed[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, s.Name)
			}
		}

		if len(ready) == 0 {
			// Cycle: force the lexicographically-first remaining stage
			// into its own group so planning terminates without dropping
			// any stage. This is a modeling defect in the template, not a
			// runtime error.
			forced := ""
			var remaining []string
			for _, s := range t.Stages {
				if !processed[s.Name] {
					remaining = append(remaining, s.Name)
					if forced == "" || s.Name < forced {
						forced = s.Name
					}
				}
			}
			sort.Strings(remaining)
			logger.Warn("dependency cycle detected; forcing stage",
				zap.String("template", t.Name),
				zap.String("stage", forced),
				zap.Strings("remaining", remaining),
			)
			ready = []string{forced}
		}

		for _, name := range ready {
			processed[name] = true
		}
		groups = append(groups, ready)
	}

	return groups
}

// planHierarchical puts every stage whose executors include the lead role in
// its own group first, in declaration order, then all remaining stages as one
// parallel group.
func planHierarchical(t *Template) [][]string {
	var groups [][]string
	var rest []string

	for _, s := range t.Stages {
		lead := false
		for _, role := range s.Executors {
			if role == t.LeadRole {
				lead = true
				break
			}
		}
		if lead {
			groups = append(groups, []string{s.Name})
		} else {
			rest = append(rest, s.Name)
		}
	}

	if len(rest) > 0 {
		groups = append(groups, rest)
	}
	return groups
}
