// Package registry tracks registered agents and serves lookups by id, type,
// and capability.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"conductor/internal/domain"
)

// Registry holds all registered agent handles and keeps the secondary
// indices consistent with the id map: every mutation happens under one lock,
// so no lookup ever observes a partially removed agent.
type Registry struct {
	mu           sync.RWMutex
	byID         map[string]domain.Agent
	byType       map[string][]domain.Agent // registration order
	byCapability map[string][]domain.Agent // registration order

	store  domain.StateStore // optional; snapshot persistence is best-effort
	bus    domain.EventBus   // optional
	logger *slog.Logger

	registered   atomic.Int64
	unregistered atomic.Int64
}

// New creates a Registry. store and bus may be nil.
func New(store domain.StateStore, bus domain.EventBus, logger *slog.Logger) *Registry {
	return &Registry{
		byID:         make(map[string]domain.Agent),
		byType:       make(map[string][]domain.Agent),
		byCapability: make(map[string][]domain.Agent),
		store:        store,
		bus:          bus,
		logger:       logger,
	}
}

// Register adds an agent handle to every index implied by its descriptor.
// Returns ErrAgentDuplicate if the id is already present.
func (r *Registry) Register(ctx context.Context, agent domain.Agent) error {
	desc := agent.Descriptor()
	if desc.ID == "" {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrInvalidInput, "empty agent id")
	}

	r.mu.Lock()
	if _, exists := r.byID[desc.ID]; exists {
		r.mu.Unlock()
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrDuplicate, desc.ID)
	}
	r.byID[desc.ID] = agent
	r.byType[desc.Type] = append(r.byType[desc.Type], agent)
	for _, cap := range desc.Capabilities {
		r.byCapability[cap] = append(r.byCapability[cap], agent)
	}
	r.mu.Unlock()

	r.registered.Add(1)
	r.persistSnapshot(ctx)
	r.publishEvent(ctx, domain.EventAgentRegistered, desc)
	r.logger.Info("agent registered", "agent_id", desc.ID, "type", desc.Type, "name", desc.Name)
	return nil
}

// Unregister removes an agent from every index it appears in. An absent id is
// a caller-idempotent no-op signalled with the not-found sentinel.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	agent, exists := r.byID[id]
	if !exists {
		r.mu.Unlock()
		return domain.NewSubSystemError("agent", "Registry.Unregister", domain.ErrNotFound, id)
	}
	desc := agent.Descriptor()
	delete(r.byID, id)
	r.byType[desc.Type] = removeAgent(r.byType[desc.Type], id)
	if len(r.byType[desc.Type]) == 0 {
		delete(r.byType, desc.Type)
	}
	for _, cap := range desc.Capabilities {
		r.byCapability[cap] = removeAgent(r.byCapability[cap], id)
		if len(r.byCapability[cap]) == 0 {
			delete(r.byCapability, cap)
		}
	}
	r.mu.Unlock()

	r.unregistered.Add(1)
	r.persistSnapshot(ctx)
	r.publishEvent(ctx, domain.EventAgentUnregistered, desc)
	r.logger.Info("agent unregistered", "agent_id", id)
	return nil
}

// ByID returns the agent handle for an id, or ErrAgentNotFound.
func (r *Registry) ByID(id string) (domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.byID[id]
	if !ok {
		return nil, domain.NewSubSystemError("agent", "Registry.ByID", domain.ErrNotFound, id)
	}
	return agent, nil
}

// ByType returns all agents of a type in registration order.
func (r *Registry) ByType(agentType string) []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]domain.Agent, len(r.byType[agentType]))
	copy(agents, r.byType[agentType])
	return agents
}

// ByCapability returns all agents declaring a capability in registration order.
func (r *Registry) ByCapability(capability string) []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]domain.Agent, len(r.byCapability[capability]))
	copy(agents, r.byCapability[capability])
	return agents
}

// Agents returns every registered agent handle in unspecified order.
func (r *Registry) Agents() []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]domain.Agent, 0, len(r.byID))
	for _, agent := range r.byID {
		agents = append(agents, agent)
	}
	return agents
}

// List returns descriptors for every registered agent in unspecified order.
func (r *Registry) List() []domain.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.descriptorsLocked()
}

// TypeCounts returns the number of registered agents per type.
func (r *Registry) TypeCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.byType))
	for t, agents := range r.byType {
		counts[t] = len(agents)
	}
	return counts
}

// Counters returns lifetime registration and unregistration counts.
func (r *Registry) Counters() (registered, unregistered int64) {
	return r.registered.Load(), r.unregistered.Load()
}

func (r *Registry) descriptorsLocked() []domain.AgentDescriptor {
	descs := make([]domain.AgentDescriptor, 0, len(r.byID))
	for _, agent := range r.byID {
		descs = append(descs, agent.Descriptor())
	}
	return descs
}

// persistSnapshot mirrors the registry to the state store. Failures are
// logged, never surfaced: registration stays correct without persistence.
func (r *Registry) persistSnapshot(ctx context.Context) {
	if r.store == nil {
		return
	}
	r.mu.RLock()
	descs := r.descriptorsLocked()
	r.mu.RUnlock()

	if err := r.store.SaveAgentSnapshot(ctx, descs); err != nil {
		r.logger.Warn("registry snapshot persist failed", "error", err)
	}
}

// PersistSnapshot forces a snapshot write. Used by the maintenance scheduler.
func (r *Registry) PersistSnapshot(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.mu.RLock()
	descs := r.descriptorsLocked()
	r.mu.RUnlock()
	return domain.WrapOp("Registry.PersistSnapshot", r.store.SaveAgentSnapshot(ctx, descs))
}

func (r *Registry) publishEvent(ctx context.Context, eventType domain.EventType, desc domain.AgentDescriptor) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(desc)
	if err != nil {
		r.logger.Error("failed to marshal event payload", "event", string(eventType), "error", err)
		return
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func removeAgent(agents []domain.Agent, id string) []domain.Agent {
	for i, a := range agents {
		if a.Descriptor().ID == id {
			return append(agents[:i], agents[i+1:]...)
		}
	}
	return agents
}
