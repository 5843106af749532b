// Package store provides state store backends for registry snapshots and
// health reports.
package store

import (
	"context"
	"sync"
	"time"

	"conductor/internal/domain"
)

type healthEntry struct {
	report    domain.HealthReport
	expiresAt time.Time
}

// Memory is a mutex-guarded in-process StateStore. Health reports carry an
// expiry; expired entries behave as if never written.
type Memory struct {
	mu       sync.RWMutex
	snapshot []domain.AgentDescriptor
	health   map[string]healthEntry
	now      func() time.Time // for testing
}

// NewMemory creates an in-memory state store.
func NewMemory() *Memory {
	return &Memory{
		health: make(map[string]healthEntry),
		now:    time.Now,
	}
}

func (s *Memory) SaveAgentSnapshot(_ context.Context, agents []domain.AgentDescriptor) error {
	snap := make([]domain.AgentDescriptor, len(agents))
	copy(snap, agents)

	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
	return nil
}

func (s *Memory) AgentSnapshot(_ context.Context) ([]domain.AgentDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make([]domain.AgentDescriptor, len(s.snapshot))
	copy(snap, s.snapshot)
	return snap, nil
}

func (s *Memory) SaveHealthReport(_ context.Context, report domain.HealthReport, ttl time.Duration) error {
	s.mu.Lock()
	s.health[report.AgentID] = healthEntry{
		report:    report,
		expiresAt: s.now().Add(ttl),
	}
	s.mu.Unlock()
	return nil
}

func (s *Memory) HealthReport(_ context.Context, agentID string) (*domain.HealthReport, error) {
	s.mu.RLock()
	entry, ok := s.health[agentID]
	s.mu.RUnlock()

	if !ok || s.now().After(entry.expiresAt) {
		return nil, domain.NewSubSystemError("agent", "Memory.HealthReport", domain.ErrNotFound, agentID)
	}
	report := entry.report
	return &report, nil
}

func (s *Memory) ExpireHealthReports(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.health {
		if now.After(entry.expiresAt) {
			delete(s.health, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Memory) Close() error { return nil }

var _ domain.StateStore = (*Memory)(nil)
