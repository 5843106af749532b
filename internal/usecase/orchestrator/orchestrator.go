// Package orchestrator wires the registry, router, health monitor, and
// workflow engine into one facade and exposes the control verbs callers and
// bus participants use to drive them.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"conductor/internal/adapter/agent"
	"conductor/internal/domain"
	"conductor/internal/infra/config"
	"conductor/internal/usecase/eventbus"
	"conductor/internal/usecase/health"
	"conductor/internal/usecase/registry"
	"conductor/internal/usecase/router"
	"conductor/internal/usecase/scheduling"
	"conductor/internal/usecase/workflow"
)

// Control verbs recognized by Dispatch. Unrecognized verbs fail with the
// unroutable sentinel.
const (
	ActionRegisterAgent   = "register-agent"
	ActionUnregisterAgent = "unregister-agent"
	ActionRouteTask       = "route-task"
	ActionExecuteWorkflow = "execute-workflow"
	ActionGetAgents       = "get-agents"
	ActionGetStats        = "get-stats"
)

// busParticipant is the orchestrator's own slot on the message bus.
const busParticipant = "orchestrator"

// Stats is the operational snapshot served by get-stats.
type Stats struct {
	Uptime              time.Duration  `json:"uptime"`
	AgentsByType        map[string]int `json:"agents_by_type"`
	AgentsRegistered    int64          `json:"agents_registered"`
	AgentsUnregistered  int64          `json:"agents_unregistered"`
	TasksRouted         int64          `json:"tasks_routed"`
	TasksCompleted      int64          `json:"tasks_completed"`
	TasksFailed         int64          `json:"tasks_failed"`
	SuccessRate         float64        `json:"success_rate"`
	WorkflowsRegistered int            `json:"workflows_registered"`
	WorkflowsActive     int            `json:"workflows_active"`
}

// Orchestrator owns the core components and their lifecycle.
type Orchestrator struct {
	cfg    config.Config
	bus    domain.MessageBus
	store  domain.StateStore // optional
	logger *slog.Logger

	events    *eventbus.Bus
	registry  *registry.Registry
	monitor   *health.Monitor
	router    *router.Router
	engine    *workflow.Engine
	scheduler *scheduling.Scheduler

	mu          sync.Mutex
	started     bool
	startTime   time.Time
	unsubscribe func()
}

// New builds an orchestrator from configuration. store may be nil.
func New(cfg config.Config, bus domain.MessageBus, store domain.StateStore, logger *slog.Logger) *Orchestrator {
	events := eventbus.New(logger)
	reg := registry.New(store, events, logger)
	mon := health.NewMonitor(reg, store, events, health.Config{
		Interval:           cfg.Health.Interval,
		TTL:                cfg.Health.TTL,
		BreakerMaxFailures: cfg.Health.Breaker.MaxFailures,
		BreakerTimeout:     cfg.Health.Breaker.Timeout,
		BreakerInterval:    cfg.Health.Breaker.Interval,
	}, logger)
	rtr := router.New(reg, mon, bus, events, router.Config{
		Routes:           cfg.Router.Routes,
		DefaultTimeout:   cfg.Router.DefaultTimeout,
		DegradedFallback: cfg.Router.DegradedFallbackEnabled(),
		DispatchRate:     cfg.Router.DispatchRate,
		DispatchBurst:    cfg.Router.DispatchBurst,
	}, logger)
	eng := workflow.New(rtr, events, workflow.Config{
		MaxRunning: cfg.Workflows.MaxRunning,
	}, logger)

	return &Orchestrator{
		cfg:       cfg,
		bus:       bus,
		store:     store,
		logger:    logger,
		events:    events,
		registry:  reg,
		monitor:   mon,
		router:    rtr,
		engine:    eng,
		scheduler: scheduling.New(logger),
	}
}

// Start loads workflow definitions, launches the health monitor and
// maintenance jobs, and claims the orchestrator's bus slot. Idempotent.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return nil
	}

	if o.cfg.Workflows.Dir != "" {
		loaded, err := o.engine.LoadDefinitions(o.cfg.Workflows.Dir)
		if err != nil {
			return fmt.Errorf("load workflow definitions: %w", err)
		}
		if loaded > 0 {
			o.logger.Info("workflow definitions loaded", "count", loaded, "dir", o.cfg.Workflows.Dir)
		}
	}

	if err := o.addMaintenanceJobs(); err != nil {
		return err
	}

	o.monitor.Start(ctx)
	o.scheduler.Start(ctx)
	o.unsubscribe = o.bus.Subscribe(busParticipant, o.handleMessage)

	o.started = true
	o.startTime = time.Now()
	o.logger.Info("orchestrator started")
	return nil
}

// Stop shuts down background loops and releases the bus slot. The message bus
// and state store belong to the caller and are not closed here.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return
	}
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
	o.scheduler.Stop()
	o.monitor.Stop()
	o.events.Close()
	o.started = false
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) addMaintenanceJobs() error {
	if o.store == nil {
		return nil
	}
	jobs := []scheduling.Job{
		{
			Name:     "registry-snapshot",
			Schedule: o.cfg.Maintenance.SnapshotSchedule,
			Run:      o.registry.PersistSnapshot,
		},
		{
			Name:     "health-report-sweep",
			Schedule: o.cfg.Maintenance.HealthSweep,
			Run: func(ctx context.Context) error {
				n, err := o.store.ExpireHealthReports(ctx, time.Now())
				if err != nil {
					return err
				}
				if n > 0 {
					o.logger.Debug("expired health reports removed", "count", n)
				}
				return nil
			},
		},
	}
	for _, job := range jobs {
		if err := o.scheduler.Add(job); err != nil {
			return err
		}
	}
	return nil
}

// RegisterAgent adds an agent handle to the registry.
func (o *Orchestrator) RegisterAgent(ctx context.Context, a domain.Agent) error {
	return o.registry.Register(ctx, a)
}

// UnregisterAgent removes an agent by id.
func (o *Orchestrator) UnregisterAgent(ctx context.Context, id string) error {
	return o.registry.Unregister(ctx, id)
}

// RouteTask routes one task and returns the selected agent's response payload.
func (o *Orchestrator) RouteTask(ctx context.Context, task domain.Task) (map[string]any, error) {
	return o.router.Route(ctx, task)
}

// RegisterWorkflow registers a workflow definition.
func (o *Orchestrator) RegisterWorkflow(wf domain.Workflow) error {
	return o.engine.RegisterDefinition(wf)
}

// ExecuteWorkflow runs a registered workflow to completion.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, name string, params map[string]any) (*domain.RunContext, error) {
	return o.engine.Execute(ctx, name, params)
}

// AbortWorkflow stops an active run from scheduling further steps.
func (o *Orchestrator) AbortWorkflow(runID string) error {
	return o.engine.Abort(runID)
}

// Agents returns descriptors for all registered agents.
func (o *Orchestrator) Agents() []domain.AgentDescriptor {
	return o.registry.List()
}

// Events exposes the observability bus for external subscribers.
func (o *Orchestrator) Events() domain.EventBus {
	return o.events
}

// Stats returns the operational snapshot.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	start := o.startTime
	o.mu.Unlock()

	var uptime time.Duration
	if !start.IsZero() {
		uptime = time.Since(start)
	}

	registered, unregistered := o.registry.Counters()
	routed, completed, failed := o.router.Stats()
	definitions, active := o.engine.Counts()

	rate := 0.0
	if routed > 0 {
		rate = float64(completed) / float64(routed)
	}

	return Stats{
		Uptime:              uptime,
		AgentsByType:        o.registry.TypeCounts(),
		AgentsRegistered:    registered,
		AgentsUnregistered:  unregistered,
		TasksRouted:         routed,
		TasksCompleted:      completed,
		TasksFailed:         failed,
		SuccessRate:         rate,
		WorkflowsRegistered: definitions,
		WorkflowsActive:     active,
	}
}

// Dispatch executes one control verb with a payload shaped like the verb's
// wire contract. It backs both in-process callers and the bus slot.
func (o *Orchestrator) Dispatch(ctx context.Context, action string, payload map[string]any) (map[string]any, error) {
	const op = "Orchestrator.Dispatch"

	switch action {
	case ActionRegisterAgent:
		desc, err := descriptorFromPayload(payload)
		if err != nil {
			return nil, domain.NewSubSystemError("orchestrator", op, domain.ErrInvalidInput, err.Error())
		}
		// Agents registering over the wire are reachable only through the
		// bus; wrap them in a remote handle.
		if err := o.registry.Register(ctx, agent.NewRemote(desc, o.bus)); err != nil {
			return nil, err
		}
		return map[string]any{"agent_id": desc.ID, "registered": true}, nil

	case ActionUnregisterAgent:
		id, _ := payload["agent_id"].(string)
		if id == "" {
			return nil, domain.NewSubSystemError("orchestrator", op, domain.ErrInvalidInput, "missing agent_id")
		}
		if err := o.registry.Unregister(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"agent_id": id, "unregistered": true}, nil

	case ActionRouteTask:
		task, err := taskFromPayload(payload)
		if err != nil {
			return nil, domain.NewSubSystemError("orchestrator", op, domain.ErrInvalidInput, err.Error())
		}
		return o.router.Route(ctx, task)

	case ActionExecuteWorkflow:
		name, _ := payload["workflow"].(string)
		if name == "" {
			return nil, domain.NewSubSystemError("orchestrator", op, domain.ErrInvalidInput, "missing workflow")
		}
		params, _ := payload["params"].(map[string]any)
		run, err := o.engine.Execute(ctx, name, params)
		if err != nil {
			return nil, err
		}
		return runToPayload(run), nil

	case ActionGetAgents:
		descs := o.registry.List()
		agents := make([]any, 0, len(descs))
		for _, d := range descs {
			agents = append(agents, map[string]any{
				"id":           d.ID,
				"name":         d.Name,
				"type":         d.Type,
				"capabilities": d.Capabilities,
			})
		}
		return map[string]any{"agents": agents}, nil

	case ActionGetStats:
		return statsToPayload(o.Stats()), nil

	default:
		return nil, domain.NewSubSystemError("orchestrator", op, domain.ErrUnroutableAction, action)
	}
}

// handleMessage serves requests addressed to the orchestrator's bus slot.
func (o *Orchestrator) handleMessage(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	action, _ := msg.Payload["action"].(string)
	result, err := o.Dispatch(ctx, action, msg.Payload)
	if err != nil {
		return nil, err
	}
	return &domain.Message{Payload: result}, nil
}

func descriptorFromPayload(payload map[string]any) (domain.AgentDescriptor, error) {
	id, _ := payload["agent_id"].(string)
	if id == "" {
		return domain.AgentDescriptor{}, fmt.Errorf("missing agent_id")
	}
	agentType, _ := payload["type"].(string)
	if agentType == "" {
		return domain.AgentDescriptor{}, fmt.Errorf("missing type")
	}
	name, _ := payload["name"].(string)
	if name == "" {
		name = id
	}

	var caps []string
	switch v := payload["capabilities"].(type) {
	case []string:
		caps = v
	case []any:
		for _, c := range v {
			if s, ok := c.(string); ok {
				caps = append(caps, s)
			}
		}
	}
	return domain.AgentDescriptor{ID: id, Name: name, Type: agentType, Capabilities: caps}, nil
}

func taskFromPayload(payload map[string]any) (domain.Task, error) {
	action, _ := payload["task_action"].(string)
	if action == "" {
		return domain.Task{}, fmt.Errorf("missing task_action")
	}
	task := domain.Task{Action: action}
	if p, ok := payload["payload"].(map[string]any); ok {
		task.Payload = p
	}
	if pr, ok := payload["priority"]; ok {
		if n, err := payloadInt(pr); err == nil {
			task.Priority = n
		}
	}
	if t, ok := payload["timeout"].(string); ok {
		d, err := time.ParseDuration(t)
		if err != nil {
			return domain.Task{}, fmt.Errorf("bad timeout: %w", err)
		}
		task.Timeout = d
	}
	return task, nil
}

func runToPayload(run *domain.RunContext) map[string]any {
	errs := make([]any, 0, len(run.Errors))
	for _, e := range run.Errors {
		errs = append(errs, map[string]any{"step": e.Step, "error": e.Error})
	}
	return map[string]any{
		"workflow_id": run.WorkflowID,
		"workflow":    run.Workflow,
		"results":     run.Results,
		"completed":   run.Completed,
		"errors":      errs,
		"duration_ms": run.Duration.Milliseconds(),
		"success":     run.Success,
	}
}

func statsToPayload(s Stats) map[string]any {
	byType := make(map[string]any, len(s.AgentsByType))
	for t, n := range s.AgentsByType {
		byType[t] = n
	}
	return map[string]any{
		"uptime_seconds":       s.Uptime.Seconds(),
		"agents_by_type":       byType,
		"agents_registered":    s.AgentsRegistered,
		"agents_unregistered":  s.AgentsUnregistered,
		"tasks_routed":         s.TasksRouted,
		"tasks_completed":      s.TasksCompleted,
		"tasks_failed":         s.TasksFailed,
		"success_rate":         s.SuccessRate,
		"workflows_registered": s.WorkflowsRegistered,
		"workflows_active":     s.WorkflowsActive,
	}
}

// payloadInt converts the numeric types a decoded payload may carry.
func payloadInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
