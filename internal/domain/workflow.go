package domain

import "time"

// Workflow is a named, ordered sequence of steps. Definitions are immutable
// once registered.
type Workflow struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// Step is a single unit of work inside a Workflow. Payload is a template:
// string values beginning with "$" are resolved against the run's params and
// prior results before the step executes.
type Step struct {
	Name     string         `json:"name" yaml:"name"`
	Action   string         `json:"action" yaml:"action"`
	Payload  map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	Optional bool           `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// StepError records one failed step inside a run.
type StepError struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// RunContext is the mutable state of one workflow run. It is mutated only by
// the workflow engine while the run is active and read-only afterward.
type RunContext struct {
	WorkflowID string         `json:"workflow_id"`
	Workflow   string         `json:"workflow"`
	Params     map[string]any `json:"params,omitempty"`
	Results    map[string]any `json:"results"`
	Completed  []string       `json:"completed"` // step names in execution order
	Errors     []StepError    `json:"errors,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time,omitzero"`
	Duration   time.Duration  `json:"duration,omitempty"`
	Success    bool           `json:"success"`
}
