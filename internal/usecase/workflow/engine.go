// Package workflow executes named, ordered step sequences. Each run gets its
// own context; steps are routed through the task router strictly in
// declaration order, with prior results available to later payloads.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"conductor/internal/domain"
	"conductor/internal/infra/tracer"
)

// TaskRouter dispatches one step's task. Satisfied by the router.
type TaskRouter interface {
	Route(ctx context.Context, task domain.Task) (map[string]any, error)
}

// Config holds engine settings.
type Config struct {
	// MaxRunning caps concurrent runs. 0 means unlimited.
	MaxRunning int
}

type activeRun struct {
	run     *domain.RunContext
	aborted atomic.Bool
}

// Engine owns workflow definitions and active runs.
type Engine struct {
	router TaskRouter
	events domain.EventBus // optional
	cfg    Config
	logger *slog.Logger

	mu          sync.RWMutex
	definitions map[string]domain.Workflow
	active      map[string]*activeRun
}

// New creates an Engine. events may be nil.
func New(router TaskRouter, events domain.EventBus, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		router:      router,
		events:      events,
		cfg:         cfg,
		logger:      logger,
		definitions: make(map[string]domain.Workflow),
		active:      make(map[string]*activeRun),
	}
}

// RegisterDefinition validates and stores a workflow definition. Definitions
// are immutable once registered; re-registering a name is a conflict.
func (e *Engine) RegisterDefinition(wf domain.Workflow) error {
	const op = "Engine.RegisterDefinition"

	if wf.Name == "" {
		return domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput, "empty workflow name")
	}
	if len(wf.Steps) == 0 {
		return domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput, "workflow has no steps")
	}
	seen := make(map[string]struct{}, len(wf.Steps))
	for _, step := range wf.Steps {
		if step.Name == "" || step.Action == "" {
			return domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput,
				fmt.Sprintf("step %q missing name or action", step.Name))
		}
		if _, dup := seen[step.Name]; dup {
			return domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput,
				fmt.Sprintf("duplicate step name %q", step.Name))
		}
		seen[step.Name] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.definitions[wf.Name]; exists {
		return domain.NewSubSystemError("workflow", op, domain.ErrDuplicate, wf.Name)
	}
	e.definitions[wf.Name] = wf
	e.logger.Info("workflow registered", "workflow", wf.Name, "steps", len(wf.Steps))
	return nil
}

// LoadDefinitions registers every .yaml/.yml workflow file in dir. A missing
// directory is not an error; a malformed file is.
func (e *Engine) LoadDefinitions(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read workflow dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return loaded, fmt.Errorf("read workflow file %s: %w", path, err)
		}
		var wf domain.Workflow
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return loaded, fmt.Errorf("parse workflow file %s: %w", path, err)
		}
		if err := e.RegisterDefinition(wf); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

// Definition returns a registered workflow by name.
func (e *Engine) Definition(name string) (domain.Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	wf, ok := e.definitions[name]
	if !ok {
		return domain.Workflow{}, domain.NewSubSystemError("workflow", "Engine.Definition",
			domain.ErrWorkflowNotFound, name)
	}
	return wf, nil
}

// DefinitionNames returns all registered workflow names, sorted.
func (e *Engine) DefinitionNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.definitions))
	for name := range e.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counts returns the number of registered definitions and active runs.
func (e *Engine) Counts() (definitions, active int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.definitions), len(e.active)
}

// Execute runs a workflow to completion and returns its context. The context
// is returned on failure too, carrying the partial results and errors.
func (e *Engine) Execute(ctx context.Context, name string, params map[string]any) (*domain.RunContext, error) {
	const op = "Engine.Execute"

	ctx, span := tracer.StartSpan(ctx, "workflow.execute")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("workflow.name", name))

	wf, err := e.Definition(name)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	run := &domain.RunContext{
		WorkflowID: ulid.Make().String(),
		Workflow:   name,
		Params:     params,
		Results:    make(map[string]any),
		StartTime:  time.Now(),
	}
	span.SetAttributes(tracer.StringAttr("workflow.run_id", run.WorkflowID))

	state := &activeRun{run: run}
	e.mu.Lock()
	if e.cfg.MaxRunning > 0 && len(e.active) >= e.cfg.MaxRunning {
		e.mu.Unlock()
		err := domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput,
			fmt.Sprintf("max concurrent runs reached (%d)", e.cfg.MaxRunning))
		tracer.RecordError(span, err)
		return nil, err
	}
	e.active[run.WorkflowID] = state
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.active, run.WorkflowID)
		e.mu.Unlock()
	}()

	e.publishEvent(ctx, domain.EventWorkflowStarted, run.WorkflowID, map[string]any{
		"workflow": name, "steps": len(wf.Steps),
	})
	e.logger.Info("workflow started", "workflow", name, "run_id", run.WorkflowID)

	var failure error
	for _, step := range wf.Steps {
		if err := ctx.Err(); err != nil {
			failure = domain.WrapOp(op, err)
			break
		}
		if state.aborted.Load() {
			// Abort stops scheduling; it never interrupts an in-flight step.
			failure = domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput, "run aborted")
			break
		}

		task := domain.Task{
			Action:     step.Action,
			Payload:    resolvePayload(step.Payload, run),
			WorkflowID: run.WorkflowID,
			StepName:   step.Name,
		}
		result, err := e.router.Route(ctx, task)
		if err != nil {
			run.Errors = append(run.Errors, domain.StepError{Step: step.Name, Error: err.Error()})
			if step.Optional {
				e.logger.Warn("optional step failed, continuing",
					"workflow", name, "run_id", run.WorkflowID, "step", step.Name, "error", err)
				continue
			}
			failure = &domain.StepFailure{Step: step.Name, Err: err}
			break
		}
		run.Results[step.Name] = result
		run.Completed = append(run.Completed, step.Name)
	}

	run.EndTime = time.Now()
	run.Duration = run.EndTime.Sub(run.StartTime)
	run.Success = failure == nil

	if failure != nil {
		e.publishEvent(ctx, domain.EventWorkflowFailed, run.WorkflowID, map[string]any{
			"workflow": name, "error": failure.Error(),
		})
		e.logger.Error("workflow failed",
			"workflow", name, "run_id", run.WorkflowID, "error", failure, "completed", len(run.Completed))
		tracer.RecordError(span, failure)
		return run, failure
	}

	e.publishEvent(ctx, domain.EventWorkflowCompleted, run.WorkflowID, map[string]any{
		"workflow": name, "completed": len(run.Completed), "duration_ms": run.Duration.Milliseconds(),
	})
	e.logger.Info("workflow completed",
		"workflow", name, "run_id", run.WorkflowID, "duration", run.Duration)
	tracer.SetOK(span)
	return run, nil
}

// Abort marks an active run so no further steps are scheduled. The in-flight
// step, if any, finishes normally.
func (e *Engine) Abort(runID string) error {
	e.mu.RLock()
	state, ok := e.active[runID]
	e.mu.RUnlock()

	if !ok {
		return domain.NewSubSystemError("workflow", "Engine.Abort", domain.ErrNotFound, runID)
	}
	state.aborted.Store(true)
	e.logger.Info("workflow run aborted", "run_id", runID)
	return nil
}

// ActiveRunIDs returns the ids of runs currently executing.
func (e *Engine) ActiveRunIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) publishEvent(ctx context.Context, eventType domain.EventType, runID string, detail map[string]any) {
	if e.events == nil {
		return
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		e.logger.Error("failed to marshal event payload", "event", string(eventType), "error", err)
		return
	}
	e.events.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Payload:   payload,
	})
}
