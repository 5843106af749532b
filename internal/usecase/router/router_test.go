package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"conductor/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubAgent struct {
	id    string
	state domain.AgentState
}

func (a *stubAgent) Descriptor() domain.AgentDescriptor {
	return domain.AgentDescriptor{ID: a.id, Name: a.id, Type: "worker"}
}
func (a *stubAgent) State() domain.AgentState { return a.state }
func (a *stubAgent) HealthCheck(context.Context) (domain.HealthReport, error) {
	return domain.HealthReport{AgentID: a.id, State: a.state, Timestamp: time.Now()}, nil
}

type stubAgents struct {
	byType map[string][]domain.Agent
}

func (s *stubAgents) ByType(agentType string) []domain.Agent { return s.byType[agentType] }

// stubHealth serves canned reports and counts lookups.
type stubHealth struct {
	reports map[string]domain.HealthReport
	errs    map[string]error
	calls   atomic.Int32
}

func (s *stubHealth) Snapshot(agentID string) (domain.HealthReport, bool) {
	s.calls.Add(1)
	report, ok := s.reports[agentID]
	return report, ok
}

func (s *stubHealth) CheckNow(_ context.Context, agent domain.Agent) (domain.HealthReport, error) {
	s.calls.Add(1)
	id := agent.Descriptor().ID
	if err, ok := s.errs[id]; ok {
		return domain.HealthReport{}, err
	}
	return s.reports[id], nil
}

// recordingBus captures dispatched envelopes and replies with a fixed payload.
type recordingBus struct {
	last    domain.Message
	respond map[string]any
	err     error
}

func (b *recordingBus) Request(_ context.Context, msg domain.Message) (*domain.Message, error) {
	b.last = msg
	if b.err != nil {
		return nil, b.err
	}
	return &domain.Message{
		Type:          domain.MessageResponse,
		CorrelationID: msg.CorrelationID,
		Payload:       b.respond,
	}, nil
}

func (b *recordingBus) Publish(context.Context, domain.Message) error { return nil }
func (b *recordingBus) Subscribe(string, domain.MessageHandler) func() {
	return func() {}
}

func report(id string, state domain.AgentState, queue int) domain.HealthReport {
	return domain.HealthReport{AgentID: id, State: state, Load: queue, QueueSize: queue, Timestamp: time.Now()}
}

func newTestRouter(agents *stubAgents, hs *stubHealth, b *recordingBus, cfg Config) *Router {
	if cfg.Routes == nil {
		cfg.Routes = map[string]string{"deploy": "worker"}
	}
	return New(agents, hs, b, nil, cfg, testLogger())
}

func TestRouteUnknownAction(t *testing.T) {
	r := newTestRouter(&stubAgents{}, &stubHealth{}, &recordingBus{}, Config{})

	_, err := r.Route(context.Background(), domain.Task{Action: "unknown-verb"})
	if !errors.Is(err, domain.ErrUnroutableAction) {
		t.Errorf("expected ErrUnroutableAction, got %v", err)
	}
}

func TestRouteNoCandidates(t *testing.T) {
	r := newTestRouter(&stubAgents{byType: map[string][]domain.Agent{}}, &stubHealth{}, &recordingBus{}, Config{})

	_, err := r.Route(context.Background(), domain.Task{Action: "deploy"})
	if !errors.Is(err, domain.ErrNoAvailableAgent) {
		t.Errorf("expected ErrNoAvailableAgent, got %v", err)
	}
}

func TestRouteSingleCandidateSkipsHealth(t *testing.T) {
	hs := &stubHealth{}
	b := &recordingBus{respond: map[string]any{"ok": true}}
	agents := &stubAgents{byType: map[string][]domain.Agent{
		"worker": {&stubAgent{id: "only", state: domain.AgentIdle}},
	}}
	r := newTestRouter(agents, hs, b, Config{})

	resp, err := r.Route(context.Background(), domain.Task{Action: "deploy"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp["ok"] != true {
		t.Errorf("response = %v", resp)
	}
	if b.last.To != "only" {
		t.Errorf("dispatched to %q, want only", b.last.To)
	}
	if hs.calls.Load() != 0 {
		t.Errorf("health consulted %d times for a single candidate, want 0", hs.calls.Load())
	}
}

func TestRouteFiltersUnhealthyThenPicksLeastLoaded(t *testing.T) {
	// A is busy (fixed high load), B reports error (filtered out), C idles
	// with queue 5. C must win despite B's lower raw load.
	agents := &stubAgents{byType: map[string][]domain.Agent{
		"worker": {
			&stubAgent{id: "A", state: domain.AgentBusy},
			&stubAgent{id: "B", state: domain.AgentError},
			&stubAgent{id: "C", state: domain.AgentIdle},
		},
	}}
	hs := &stubHealth{reports: map[string]domain.HealthReport{
		"A": report("A", domain.AgentBusy, 2),
		"B": report("B", domain.AgentError, 0),
		"C": report("C", domain.AgentIdle, 5),
	}}
	b := &recordingBus{respond: map[string]any{}}
	r := newTestRouter(agents, hs, b, Config{DegradedFallback: true})

	if _, err := r.Route(context.Background(), domain.Task{Action: "deploy"}); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if b.last.To != "C" {
		t.Errorf("selected %q, want C", b.last.To)
	}
}

func TestRouteFallbackWhenAllUnhealthy(t *testing.T) {
	agents := &stubAgents{byType: map[string][]domain.Agent{
		"worker": {
			&stubAgent{id: "A", state: domain.AgentError},
			&stubAgent{id: "B", state: domain.AgentStopped},
		},
	}}
	hs := &stubHealth{reports: map[string]domain.HealthReport{
		"A": report("A", domain.AgentError, 3),
		"B": report("B", domain.AgentStopped, 1),
	}}
	b := &recordingBus{respond: map[string]any{}}
	r := newTestRouter(agents, hs, b, Config{DegradedFallback: true})

	if _, err := r.Route(context.Background(), domain.Task{Action: "deploy"}); err != nil {
		t.Fatalf("Route with fallback: %v", err)
	}
	if b.last.To != "B" {
		t.Errorf("fallback selected %q, want B (lowest load)", b.last.To)
	}
}

func TestRouteAllUnhealthyFallbackDisabled(t *testing.T) {
	agents := &stubAgents{byType: map[string][]domain.Agent{
		"worker": {
			&stubAgent{id: "A", state: domain.AgentError},
			&stubAgent{id: "B", state: domain.AgentStopped},
		},
	}}
	hs := &stubHealth{reports: map[string]domain.HealthReport{
		"A": report("A", domain.AgentError, 3),
		"B": report("B", domain.AgentStopped, 1),
	}}
	r := newTestRouter(agents, hs, &recordingBus{}, Config{DegradedFallback: false})

	_, err := r.Route(context.Background(), domain.Task{Action: "deploy"})
	if !errors.Is(err, domain.ErrNoAvailableAgent) {
		t.Errorf("expected ErrNoAvailableAgent, got %v", err)
	}
}

func TestRouteFailedHealthCheckIsPenalizedNotExcluded(t *testing.T) {
	agents := &stubAgents{byType: map[string][]domain.Agent{
		"worker": {
			&stubAgent{id: "flaky", state: domain.AgentIdle},
			&stubAgent{id: "steady", state: domain.AgentIdle},
		},
	}}
	hs := &stubHealth{
		reports: map[string]domain.HealthReport{
			"steady": report("steady", domain.AgentIdle, 7),
		},
		errs: map[string]error{"flaky": fmt.Errorf("probe failed")},
	}
	b := &recordingBus{respond: map[string]any{}}
	r := newTestRouter(agents, hs, b, Config{DegradedFallback: true})

	if _, err := r.Route(context.Background(), domain.Task{Action: "deploy"}); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if b.last.To != "steady" {
		t.Errorf("selected %q, want steady", b.last.To)
	}
}

func TestRouteTieKeepsRegistrationOrder(t *testing.T) {
	agents := &stubAgents{byType: map[string][]domain.Agent{
		"worker": {
			&stubAgent{id: "first", state: domain.AgentIdle},
			&stubAgent{id: "second", state: domain.AgentIdle},
		},
	}}
	hs := &stubHealth{reports: map[string]domain.HealthReport{
		"first":  report("first", domain.AgentIdle, 1),
		"second": report("second", domain.AgentIdle, 1),
	}}
	b := &recordingBus{respond: map[string]any{}}
	r := newTestRouter(agents, hs, b, Config{DegradedFallback: true})

	if _, err := r.Route(context.Background(), domain.Task{Action: "deploy"}); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if b.last.To != "first" {
		t.Errorf("tie broke to %q, want first", b.last.To)
	}
}

func TestRouteEnvelopeDefaults(t *testing.T) {
	b := &recordingBus{respond: map[string]any{}}
	agents := &stubAgents{byType: map[string][]domain.Agent{
		"worker": {&stubAgent{id: "w1", state: domain.AgentIdle}},
	}}
	r := newTestRouter(agents, &stubHealth{}, b, Config{DefaultTimeout: 30 * time.Second})

	task := domain.Task{
		Action:     "deploy",
		Payload:    map[string]any{"target": "prod"},
		WorkflowID: "run-1",
		StepName:   "s1",
	}
	if _, err := r.Route(context.Background(), task); err != nil {
		t.Fatalf("Route: %v", err)
	}

	msg := b.last
	if msg.Type != domain.MessageRequest {
		t.Errorf("type = %q, want request", msg.Type)
	}
	if msg.ID == "" || msg.CorrelationID != msg.ID {
		t.Errorf("correlation id %q should equal fresh id %q", msg.CorrelationID, msg.ID)
	}
	if msg.Priority != domain.DefaultTaskPriority {
		t.Errorf("priority = %d, want default %d", msg.Priority, domain.DefaultTaskPriority)
	}
	if !msg.RequiresAck {
		t.Error("requiresAck not set")
	}
	if msg.Timeout != 30*time.Second {
		t.Errorf("timeout = %s, want 30s", msg.Timeout)
	}
	if msg.Payload["action"] != "deploy" || msg.Payload["target"] != "prod" {
		t.Errorf("payload = %v", msg.Payload)
	}
	if msg.Payload["workflow_id"] != "run-1" || msg.Payload["step_name"] != "s1" {
		t.Errorf("workflow tags missing: %v", msg.Payload)
	}
}

func TestRouteCounters(t *testing.T) {
	b := &recordingBus{respond: map[string]any{}}
	agents := &stubAgents{byType: map[string][]domain.Agent{
		"worker": {&stubAgent{id: "w1", state: domain.AgentIdle}},
	}}
	r := newTestRouter(agents, &stubHealth{}, b, Config{})

	r.Route(context.Background(), domain.Task{Action: "deploy"})
	r.Route(context.Background(), domain.Task{Action: "bogus"})

	routed, completed, failed := r.Stats()
	if routed != 2 || completed != 1 || failed != 1 {
		t.Errorf("Stats = (%d, %d, %d), want (2, 1, 1)", routed, completed, failed)
	}
}

func TestRouteTransportErrorSurfaced(t *testing.T) {
	busErr := domain.NewDomainError("Bus.Request", domain.ErrTimeout, "no response")
	b := &recordingBus{err: busErr}
	agents := &stubAgents{byType: map[string][]domain.Agent{
		"worker": {&stubAgent{id: "w1", state: domain.AgentIdle}},
	}}
	r := newTestRouter(agents, &stubHealth{}, b, Config{})

	_, err := r.Route(context.Background(), domain.Task{Action: "deploy"})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Errorf("expected bus timeout surfaced, got %v", err)
	}
}
