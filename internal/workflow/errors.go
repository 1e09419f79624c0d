package workflow

import "fmt"

// UnknownTemplateError is returned when executing a workflow against a
// template name that was never registered.
type UnknownTemplateError struct {
	Name string
}

func (e *UnknownTemplateError) Error() string {
	return fmt.Sprintf("unknown workflow template %q", e.Name)
}

// CyclicDependencyError reports a dependency cycle in a template. Recovered
// automatically during planning (the cycle is broken deterministically), so
// it is logged, never raised to callers.
type CyclicDependencyError struct {
	Template string
	Detail   error
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("template %q contains a dependency cycle: %v", e.Template, e.Detail)
}

func (e *CyclicDependencyError) Unwrap() error { return e.Detail }

// WorkflowError is the terminal failure of a workflow run. It carries the
// failing stage and whatever stage outputs were already produced.
type WorkflowError struct {
	WorkflowID string
	Template   string
	Stage      string
	Cause      error
	// Outputs holds the partial per-stage outputs completed before the
	// failure.
	Outputs map[string]map[string]any
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow %s (%s) failed at stage %q: %v", e.WorkflowID, e.Template, e.Stage, e.Cause)
}

func (e *WorkflowError) Unwrap() error { return e.Cause }
