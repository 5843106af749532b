package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conductor/internal/domain"
)

// healthCheckTimeout bounds one remote health probe.
const healthCheckTimeout = 5 * time.Second

// Remote represents an agent living in another process, reachable only over
// the message bus. Tasks already flow to it through its participant slot; the
// health contract is satisfied by sending a "health-check" request and parsing
// the reply payload {state, load, queue_size}.
type Remote struct {
	desc domain.AgentDescriptor
	bus  domain.MessageBus

	mu        sync.RWMutex
	lastState domain.AgentState
}

// NewRemote creates a handle for an agent registered over the wire.
func NewRemote(desc domain.AgentDescriptor, bus domain.MessageBus) *Remote {
	return &Remote{
		desc:      desc,
		bus:       bus,
		lastState: domain.AgentIdle,
	}
}

func (a *Remote) Descriptor() domain.AgentDescriptor { return a.desc }

// State returns the state observed by the most recent health check.
func (a *Remote) State() domain.AgentState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastState
}

// HealthCheck probes the agent over the bus.
func (a *Remote) HealthCheck(ctx context.Context) (domain.HealthReport, error) {
	resp, err := a.bus.Request(ctx, domain.Message{
		Type:        domain.MessageRequest,
		From:        "orchestrator",
		To:          a.desc.ID,
		Payload:     map[string]any{"action": "health-check"},
		Timestamp:   time.Now(),
		RequiresAck: true,
		Timeout:     healthCheckTimeout,
	})
	if err != nil {
		return domain.HealthReport{}, err
	}

	report := domain.HealthReport{
		AgentID:   a.desc.ID,
		State:     domain.AgentIdle,
		Timestamp: time.Now(),
	}
	if s, ok := resp.Payload["state"].(string); ok {
		report.State = domain.AgentState(s)
	}
	if n, err := payloadInt(resp.Payload["load"]); err == nil {
		report.Load = n
	}
	if n, err := payloadInt(resp.Payload["queue_size"]); err == nil {
		report.QueueSize = n
	}

	a.mu.Lock()
	a.lastState = report.State
	a.mu.Unlock()
	return report, nil
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

var _ domain.Agent = (*Remote)(nil)
