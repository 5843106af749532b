// Package agent provides the in-process agent adapter. A Local agent wraps a
// handler function, answers task requests delivered over the message bus, and
// reports its own health. It exists so the orchestrator can be exercised
// end-to-end without external workers; remote agents only need to satisfy the
// same bus and health contracts.
package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"conductor/internal/domain"
)

// Handler executes one task payload and returns the response payload.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Local is a bus-attached agent backed by a handler function.
type Local struct {
	desc    domain.AgentDescriptor
	handler Handler

	mu    sync.RWMutex
	state domain.AgentState

	queue       atomic.Int32
	unsubscribe func()
}

// NewLocal creates a local agent in the idle state.
func NewLocal(desc domain.AgentDescriptor, handler Handler) *Local {
	return &Local{
		desc:    desc,
		handler: handler,
		state:   domain.AgentIdle,
	}
}

// Attach subscribes the agent to its participant slot on the bus.
func (a *Local) Attach(b domain.MessageBus) {
	a.unsubscribe = b.Subscribe(a.desc.ID, a.handleMessage)
}

// Detach removes the agent from the bus.
func (a *Local) Detach() {
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
}

func (a *Local) handleMessage(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	a.queue.Add(1)
	a.setBusy(true)
	defer func() {
		a.queue.Add(-1)
		a.setBusy(false)
	}()

	result, err := a.handler(ctx, msg.Payload)
	if err != nil {
		return nil, err
	}
	return &domain.Message{Payload: result}, nil
}

// setBusy flips between idle and busy but never overrides a manually set
// error/stopped state.
func (a *Local) setBusy(busy bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case domain.AgentIdle:
		if busy {
			a.state = domain.AgentBusy
		}
	case domain.AgentBusy:
		if !busy && a.queue.Load() == 0 {
			a.state = domain.AgentIdle
		}
	}
}

// SetState forces the agent's state. Used by supervisors taking an agent out
// of rotation and by tests.
func (a *Local) SetState(state domain.AgentState) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

func (a *Local) Descriptor() domain.AgentDescriptor { return a.desc }

func (a *Local) State() domain.AgentState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// HealthCheck reports the agent's state and queue depth.
func (a *Local) HealthCheck(_ context.Context) (domain.HealthReport, error) {
	depth := int(a.queue.Load())
	return domain.HealthReport{
		AgentID:   a.desc.ID,
		State:     a.State(),
		Load:      depth,
		QueueSize: depth,
		Timestamp: time.Now(),
	}, nil
}

var _ domain.Agent = (*Local)(nil)
