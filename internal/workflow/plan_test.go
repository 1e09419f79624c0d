package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func diamondTemplate(mode CoordinationMode) *Template {
	return &Template{
		Name: "diamond",
		Mode: mode,
		Stages: []StageSpec{
			{Name: "A", Executors: []string{"analyst"}},
			{Name: "B", DependsOn: []string{"A"}, Executors: []string{"analyst"}},
			{Name: "C", DependsOn: []string{"A"}, Executors: []string{"reviewer"}},
			{Name: "D", DependsOn: []string{"B", "C"}, Executors: []string{"analyst"}},
		},
	}
}

func TestPlanParallelDiamond(t *testing.T) {
	groups := Plan(diamondTemplate(ModeParallel), zap.NewNop())
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, groups)
}

func TestPlanSequentialForcesSingletons(t *testing.T) {
	groups := Plan(diamondTemplate(ModeSequential), zap.NewNop())
	assert.Equal(t, [][]string{{"A"}, {"B"}, {"C"}, {"D"}}, groups)
}

func TestPlanIsTopologicalOrder(t *testing.T) {
	tmpl := &Template{
		Name: "wide",
		Mode: ModeParallel,
		Stages: []StageSpec{
			{Name: "fetch", Executors: []string{"io"}},
			{Name: "parse", DependsOn: []string{"fetch"}, Executors: []string{"cpu"}},
			{Name: "enrich", DependsOn: []string{"parse"}, Executors: []string{"cpu"}},
			{Name: "index", DependsOn: []string{"parse"}, Executors: []string{"io"}},
			{Name: "report", DependsOn: []string{"enrich", "index"}, Executors: []string{"cpu"}},
		},
	}
	require.NoError(t, tmpl.Validate())

	groups := Plan(tmpl, zap.NewNop())

	groupOf := make(map[string]int)
	for i, group := range groups {
		for _, name := range group {
			_, dup := groupOf[name]
			require.False(t, dup, "stage %s planned twice", name)
			groupOf[name] = i
		}
	}
	require.Len(t, groupOf, len(tmpl.Stages))

	for _, s := range tmpl.Stages {
		for _, dep := range s.DependsOn {
			assert.Less(t, groupOf[dep], groupOf[s.Name],
				"dependency %s must be planned before %s", dep, s.Name)
		}
	}
}

func TestPlanBreaksCycleDeterministically(t *testing.T) {
	tmpl := &Template{
		Name: "tangled",
		Mode: ModeParallel,
		Stages: []StageSpec{
			{Name: "start", Executors: []string{"x"}},
			// b and c depend on each other.
			{Name: "b", DependsOn: []string{"c"}, Executors: []string{"x"}},
			{Name: "c", DependsOn: []string{"b"}, Executors: []string{"x"}},
			{Name: "end", DependsOn: []string{"b", "c"}, Executors: []string{"x"}},
		},
	}

	var cyclic *CyclicDependencyError
	require.ErrorAs(t, tmpl.Validate(), &cyclic)
	assert.Equal(t, "tangled", cyclic.Template)

	groups := Plan(tmpl, zap.NewNop())

	// Planning terminates and every stage appears exactly once; the
	// lexicographically-first cycle member is forced first.
	seen := make(map[string]int)
	for _, group := range groups {
		for _, name := range group {
			seen[name]++
		}
	}
	assert.Equal(t, map[string]int{"start": 1, "b": 1, "c": 1, "end": 1}, seen)
	assert.Equal(t, [][]string{{"start"}, {"b"}, {"c"}, {"end"}}, groups)
}

func TestPlanHierarchical(t *testing.T) {
	tmpl := &Template{
		Name:     "led",
		Mode:     ModeHierarchical,
		LeadRole: "architect",
		Stages: []StageSpec{
			{Name: "design", Executors: []string{"architect"}},
			{Name: "build", DependsOn: []string{"design"}, Executors: []string{"coder"}},
			{Name: "test", DependsOn: []string{"build"}, Executors: []string{"tester"}},
			{Name: "review", DependsOn: []string{"build"}, Executors: []string{"architect", "coder"}},
		},
	}
	require.NoError(t, tmpl.Validate())

	groups := Plan(tmpl, zap.NewNop())

	// Lead-role stages run alone first in declaration order, the rest as
	// one parallel group.
	assert.Equal(t, [][]string{{"design"}, {"review"}, {"build", "test"}}, groups)
}

func TestTemplateValidate(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    *Template
		wantErr string
	}{
		{
			name:    "missing name",
			tmpl:    &Template{Mode: ModeParallel, Stages: []StageSpec{{Name: "a", Executors: []string{"x"}}}},
			wantErr: "name is required",
		},
		{
			name:    "missing mode",
			tmpl:    &Template{Name: "t", Stages: []StageSpec{{Name: "a", Executors: []string{"x"}}}},
			wantErr: "coordination mode is required",
		},
		{
			name:    "unknown mode",
			tmpl:    &Template{Name: "t", Mode: "roundrobin", Stages: []StageSpec{{Name: "a", Executors: []string{"x"}}}},
			wantErr: "unknown coordination mode",
		},
		{
			name:    "no stages",
			tmpl:    &Template{Name: "t", Mode: ModeParallel},
			wantErr: "has no stages",
		},
		{
			name: "duplicate stage",
			tmpl: &Template{Name: "t", Mode: ModeParallel, Stages: []StageSpec{
				{Name: "a", Executors: []string{"x"}},
				{Name: "a", Executors: []string{"x"}},
			}},
			wantErr: "duplicate stage",
		},
		{
			name: "unknown dependency",
			tmpl: &Template{Name: "t", Mode: ModeParallel, Stages: []StageSpec{
				{Name: "a", DependsOn: []string{"ghost"}, Executors: []string{"x"}},
			}},
			wantErr: "unknown stage",
		},
		{
			name: "duplicate executor role",
			tmpl: &Template{Name: "t", Mode: ModeParallel, Stages: []StageSpec{
				{Name: "a", Executors: []string{"x", "x"}},
			}},
			wantErr: "lists executor role",
		},
		{
			name: "no executors",
			tmpl: &Template{Name: "t", Mode: ModeParallel, Stages: []StageSpec{
				{Name: "a"},
			}},
			wantErr: "has no executors",
		},
		{
			name: "hierarchical without lead role",
			tmpl: &Template{Name: "t", Mode: ModeHierarchical, Stages: []StageSpec{
				{Name: "a", Executors: []string{"x"}},
			}},
			wantErr: "requires a lead role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tmpl.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("self dependency is cyclic", func(t *testing.T) {
		tmpl := &Template{Name: "t", Mode: ModeParallel, Stages: []StageSpec{
			{Name: "a", DependsOn: []string{"a"}, Executors: []string{"x"}},
		}}
		var cyclic *CyclicDependencyError
		assert.True(t, errors.As(tmpl.Validate(), &cyclic))
	})

	t.Run("valid template", func(t *testing.T) {
		assert.NoError(t, diamondTemplate(ModeParallel).Validate())
	})
}
