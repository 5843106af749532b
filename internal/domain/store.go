package domain

import (
	"context"
	"time"
)

// StateStore persists registry snapshots and health reports. Writes from the
// registry and the health monitor are best-effort: a store failure is logged
// by the caller, never surfaced to the operation that triggered it.
type StateStore interface {
	// SaveAgentSnapshot replaces the persisted view of the registry.
	SaveAgentSnapshot(ctx context.Context, agents []AgentDescriptor) error
	// AgentSnapshot returns the last persisted registry view.
	AgentSnapshot(ctx context.Context) ([]AgentDescriptor, error)

	// SaveHealthReport stores a report with a time-to-live. Expired reports
	// behave as if they were never written.
	SaveHealthReport(ctx context.Context, report HealthReport, ttl time.Duration) error
	// HealthReport returns the unexpired report for an agent, or ErrNotFound.
	HealthReport(ctx context.Context, agentID string) (*HealthReport, error)
	// ExpireHealthReports removes reports whose TTL has passed as of now.
	ExpireHealthReports(ctx context.Context, now time.Time) (int, error)

	Close() error
}
