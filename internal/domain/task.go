package domain

import "time"

// DefaultTaskPriority is the mid-range priority assigned when a task does
// not specify one.
const DefaultTaskPriority = 5

// Task is a transient unit of work submitted for routing. It is owned by the
// caller, consumed once by the router, and never persisted.
type Task struct {
	Action   string         `json:"action"`
	Payload  map[string]any `json:"payload,omitempty"`
	Priority int            `json:"priority,omitempty"`
	Timeout  time.Duration  `json:"timeout,omitempty"`

	// Set by the workflow engine when the task belongs to a run.
	WorkflowID string `json:"workflow_id,omitempty"`
	StepName   string `json:"step_name,omitempty"`
}
