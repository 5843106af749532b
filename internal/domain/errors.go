package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the domain layer.
var (
	ErrAgentDuplicate   = fmt.Errorf("agent already registered")
	ErrAgentNotFound    = fmt.Errorf("agent not found")
	ErrAgentUnreachable = fmt.Errorf("agent unreachable")

	ErrUnroutableAction   = fmt.Errorf("no agent type mapped for action")
	ErrNoAvailableAgent   = fmt.Errorf("no agent of required type available")
	ErrWorkflowNotFound   = fmt.Errorf("workflow not found")
	ErrWorkflowStepFailed = fmt.Errorf("workflow step failed")

	ErrBusClosed = fmt.Errorf("message bus closed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.Register")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "router", "workflow")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// StepFailure is returned when a required workflow step fails. It names the
// failing step and unwraps to both ErrWorkflowStepFailed and the underlying cause.
type StepFailure struct {
	Step string
	Err  error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepFailure) Unwrap() []error { return []error{ErrWorkflowStepFailed, e.Err} }

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeAgentDuplicate     ErrorCode = "AGENT_DUPLICATE"
	CodeAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentUnreachable   ErrorCode = "AGENT_UNREACHABLE"
	CodeUnroutableAction   ErrorCode = "UNROUTABLE_ACTION"
	CodeNoAvailableAgent   ErrorCode = "NO_AVAILABLE_AGENT"
	CodeWorkflowNotFound   ErrorCode = "WORKFLOW_NOT_FOUND"
	CodeWorkflowStepFailed ErrorCode = "WORKFLOW_STEP_FAILED"
	CodeBusClosed          ErrorCode = "BUS_CLOSED"

	// Category fallback codes.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrInvalidInput: CodeInvalidInput,

	ErrAgentDuplicate:     CodeAgentDuplicate,
	ErrAgentNotFound:      CodeAgentNotFound,
	ErrAgentUnreachable:   CodeAgentUnreachable,
	ErrUnroutableAction:   CodeUnroutableAction,
	ErrNoAvailableAgent:   CodeNoAvailableAgent,
	ErrWorkflowNotFound:   CodeWorkflowNotFound,
	ErrWorkflowStepFailed: CodeWorkflowStepFailed,
	ErrBusClosed:          CodeBusClosed,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent":    CodeAgentNotFound,
		"workflow": CodeWorkflowNotFound,
	},
	ErrDuplicate: {
		"agent": CodeAgentDuplicate,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
