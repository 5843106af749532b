// Package router maps task actions to agent types, selects the least-loaded
// eligible agent, and dispatches tasks as correlated requests over the
// message bus.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"conductor/internal/domain"
	"conductor/internal/infra/tracer"
)

// Load constants. A busy agent costs a fixed high score; an agent whose
// health is unknown (stale snapshot, failed or short-circuited check) costs
// more still, so it ranks last without being excluded.
const (
	busyLoad    = 100
	unknownLoad = 1000
)

type statsCounters struct {
	routed    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// Config holds routing settings.
type Config struct {
	// Routes maps task actions to agent types. Unknown actions are
	// unroutable; there is no fallback.
	Routes map[string]string
	// DefaultTimeout is applied to envelopes for tasks without a timeout.
	DefaultTimeout time.Duration
	// DegradedFallback re-admits the unfiltered candidate set when every
	// candidate reports error/stopped. Disable where dispatching to a
	// known-bad agent is unacceptable.
	DegradedFallback bool
	// DispatchRate limits dispatches per agent per second. 0 disables.
	DispatchRate  float64
	DispatchBurst int
}

// AgentSource serves routing candidates. Satisfied by the registry.
type AgentSource interface {
	ByType(agentType string) []domain.Agent
}

// HealthSource ranks candidates. Satisfied by the health monitor.
type HealthSource interface {
	Snapshot(agentID string) (domain.HealthReport, bool)
	CheckNow(ctx context.Context, agent domain.Agent) (domain.HealthReport, error)
}

// Router routes tasks per the selection algorithm: resolve type, score
// candidates by load, filter unhealthy, dispatch to the cheapest.
type Router struct {
	agents AgentSource
	health HealthSource
	bus    domain.MessageBus
	events domain.EventBus // optional
	cfg    Config
	logger *slog.Logger

	// Participant name used as the envelope From address.
	self string

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	stats statsCounters
}

// New creates a Router. events may be nil.
func New(agents AgentSource, health HealthSource, bus domain.MessageBus, events domain.EventBus, cfg Config, logger *slog.Logger) *Router {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.DispatchBurst <= 0 {
		cfg.DispatchBurst = 1
	}
	return &Router{
		agents:   agents,
		health:   health,
		bus:      bus,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		self:     "orchestrator",
		limiters: make(map[string]*rate.Limiter),
	}
}

// Route resolves, selects, and dispatches one task, returning the selected
// agent's response payload. Routing failures are synchronous and never
// retried here; transport errors and timeouts surface as-is from the bus.
func (r *Router) Route(ctx context.Context, task domain.Task) (map[string]any, error) {
	ctx, span := tracer.StartSpan(ctx, "router.route")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("task.action", task.Action))

	r.stats.routed.Add(1)

	agentType, ok := r.cfg.Routes[task.Action]
	if !ok {
		return r.fail(ctx, task, domain.NewSubSystemError("router", "Router.Route",
			domain.ErrUnroutableAction, task.Action))
	}

	candidates := r.agents.ByType(agentType)
	if len(candidates) == 0 {
		return r.fail(ctx, task, domain.NewSubSystemError("router", "Router.Route",
			domain.ErrNoAvailableAgent, agentType))
	}

	selected, err := r.selectAgent(ctx, candidates)
	if err != nil {
		return r.fail(ctx, task, err)
	}
	agentID := selected.Descriptor().ID
	span.SetAttributes(tracer.StringAttr("agent.id", agentID))

	if err := r.throttle(ctx, agentID); err != nil {
		return r.fail(ctx, task, domain.WrapOp("Router.Route", err))
	}

	resp, err := r.dispatch(ctx, task, agentID)
	if err != nil {
		return r.fail(ctx, task, err)
	}

	r.stats.completed.Add(1)
	r.publishEvent(ctx, domain.EventTaskCompleted, map[string]string{
		"action": task.Action, "agent_id": agentID,
	})
	tracer.SetOK(span)
	return resp, nil
}

// selectAgent applies the scoring, filtering, and tie-break rules. A single
// candidate is selected directly without load computation.
func (r *Router) selectAgent(ctx context.Context, candidates []domain.Agent) (domain.Agent, error) {
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	type scored struct {
		agent domain.Agent
		load  int
		state domain.AgentState
	}

	all := make([]scored, 0, len(candidates))
	for _, agent := range candidates {
		report, err := r.healthOf(ctx, agent)
		if err != nil {
			// Penalize, never exclude: a failed check degrades ranking
			// quality but keeps the capacity reachable.
			all = append(all, scored{agent: agent, load: unknownLoad, state: agent.State()})
			continue
		}
		load := report.QueueSize
		if report.State == domain.AgentBusy {
			load = busyLoad
		}
		all = append(all, scored{agent: agent, load: load, state: report.State})
	}

	eligible := make([]scored, 0, len(all))
	for _, s := range all {
		if s.state == domain.AgentError || s.state == domain.AgentStopped {
			continue
		}
		eligible = append(eligible, s)
	}
	if len(eligible) == 0 {
		if !r.cfg.DegradedFallback {
			return nil, domain.NewSubSystemError("router", "Router.selectAgent",
				domain.ErrNoAvailableAgent, "all candidates unhealthy")
		}
		r.logger.Warn("all candidates unhealthy, falling back to unfiltered set")
		eligible = all
	}

	// Stable sort: ties keep registration order, so selection is
	// deterministic for a fixed registration sequence and health snapshot.
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].load < eligible[j].load
	})
	return eligible[0].agent, nil
}

// healthOf prefers the monitor's cached snapshot while it is within TTL and
// falls back to a fresh on-demand check otherwise.
func (r *Router) healthOf(ctx context.Context, agent domain.Agent) (domain.HealthReport, error) {
	id := agent.Descriptor().ID
	if report, ok := r.health.Snapshot(id); ok {
		return report, nil
	}
	return r.health.CheckNow(ctx, agent)
}

// dispatch builds the request envelope and performs the correlated round trip.
func (r *Router) dispatch(ctx context.Context, task domain.Task, agentID string) (map[string]any, error) {
	payload := make(map[string]any, len(task.Payload)+3)
	for k, v := range task.Payload {
		payload[k] = v
	}
	payload["action"] = task.Action
	if task.WorkflowID != "" {
		payload["workflow_id"] = task.WorkflowID
		payload["step_name"] = task.StepName
	}

	priority := task.Priority
	if priority == 0 {
		priority = domain.DefaultTaskPriority
	}
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	id := ulid.Make().String()
	msg := domain.Message{
		ID:            id,
		Type:          domain.MessageRequest,
		From:          r.self,
		To:            agentID,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: id,
		Priority:      priority,
		RequiresAck:   true,
		Timeout:       timeout,
	}

	r.publishEvent(ctx, domain.EventTaskRouted, map[string]string{
		"action": task.Action, "agent_id": agentID, "message_id": msg.ID,
	})
	r.logger.Debug("task dispatched", "action", task.Action, "agent_id", agentID, "message_id", msg.ID)

	resp, err := r.bus.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// throttle applies the optional per-agent dispatch rate limit.
func (r *Router) throttle(ctx context.Context, agentID string) error {
	if r.cfg.DispatchRate <= 0 {
		return nil
	}
	r.limiterMu.Lock()
	limiter, ok := r.limiters[agentID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.DispatchRate), r.cfg.DispatchBurst)
		r.limiters[agentID] = limiter
	}
	r.limiterMu.Unlock()
	return limiter.Wait(ctx)
}

func (r *Router) fail(ctx context.Context, task domain.Task, err error) (map[string]any, error) {
	r.stats.failed.Add(1)
	r.publishEvent(ctx, domain.EventTaskFailed, map[string]string{
		"action": task.Action, "error": err.Error(),
	})
	return nil, err
}

func (r *Router) publishEvent(ctx context.Context, eventType domain.EventType, detail map[string]string) {
	if r.events == nil {
		return
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		r.logger.Error("failed to marshal event payload", "event", string(eventType), "error", err)
		return
	}
	r.events.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// Stats returns lifetime routing counters.
func (r *Router) Stats() (routed, completed, failed int64) {
	return r.stats.routed.Load(), r.stats.completed.Load(), r.stats.failed.Load()
}
