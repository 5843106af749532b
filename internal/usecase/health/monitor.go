// Package health runs the recurring supervisory loop that polls every
// registered agent's health and caches the results for the router.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"conductor/internal/domain"
)

// Default circuit breaker settings for per-agent health calls.
const (
	defaultBreakerMaxFailures uint32        = 3
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// Config holds monitor settings.
type Config struct {
	// Interval between sweeps. Default 10s.
	Interval time.Duration
	// TTL bounds how long a cached report is trusted. Default 30s.
	TTL time.Duration

	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
	BreakerInterval    time.Duration
}

// AgentSource yields the agents to poll. Satisfied by the registry.
type AgentSource interface {
	Agents() []domain.Agent
}

type cacheEntry struct {
	report    domain.HealthReport
	expiresAt time.Time
}

// Monitor polls agents on a fixed interval, isolates per-agent failures, and
// serves TTL-bounded snapshots. A failing agent's checks are short-circuited
// by a per-agent circuit breaker so one flapping worker cannot slow the sweep.
type Monitor struct {
	source AgentSource
	store  domain.StateStore // optional; persistence is best-effort
	bus    domain.EventBus   // optional
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	cache    map[string]cacheEntry
	breakers map[string]*gobreaker.CircuitBreaker[domain.HealthReport]

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	now func() time.Time // for testing
}

// NewMonitor creates a Monitor. store and bus may be nil.
func NewMonitor(source AgentSource, store domain.StateStore, bus domain.EventBus, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = defaultBreakerMaxFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}
	if cfg.BreakerInterval <= 0 {
		cfg.BreakerInterval = defaultBreakerInterval
	}
	return &Monitor{
		source:   source,
		store:    store,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
		breakers: make(map[string]*gobreaker.CircuitBreaker[domain.HealthReport]),
		now:      time.Now,
	}
}

// Start launches the sweep loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(loopCtx)
}

// Stop cancels the loop and waits for an in-flight sweep to finish. No
// further sweep is scheduled after Stop returns.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep checks every agent independently. One agent's failure never aborts
// the others; failed agents lose their cached entry and age into "unknown".
func (m *Monitor) sweep(ctx context.Context) {
	agents := m.source.Agents()
	reports := make([]domain.HealthReport, 0, len(agents))

	for _, agent := range agents {
		id := agent.Descriptor().ID
		report, err := m.check(ctx, agent)
		if err != nil {
			m.logger.Warn("health check failed", "agent_id", id, "error", err)
			m.invalidate(id)
			continue
		}
		reports = append(reports, report)
	}

	m.publishCompleted(ctx, reports)
}

// check runs one health call through the agent's circuit breaker and caches
// the result.
func (m *Monitor) check(ctx context.Context, agent domain.Agent) (domain.HealthReport, error) {
	id := agent.Descriptor().ID

	report, err := m.breaker(id).Execute(func() (domain.HealthReport, error) {
		return agent.HealthCheck(ctx)
	})
	if err != nil {
		return domain.HealthReport{}, err
	}

	if report.AgentID == "" {
		report.AgentID = id
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = m.now()
	}

	m.mu.Lock()
	m.cache[id] = cacheEntry{report: report, expiresAt: m.now().Add(m.cfg.TTL)}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveHealthReport(ctx, report, m.cfg.TTL); err != nil {
			m.logger.Warn("health report persist failed", "agent_id", id, "error", err)
		}
	}
	return report, nil
}

// CheckNow performs a fresh on-demand check, bypassing the cache but not the
// circuit breaker.
func (m *Monitor) CheckNow(ctx context.Context, agent domain.Agent) (domain.HealthReport, error) {
	return m.check(ctx, agent)
}

// Snapshot returns the cached report for an agent if it is still within TTL.
func (m *Monitor) Snapshot(agentID string) (domain.HealthReport, bool) {
	m.mu.RLock()
	entry, ok := m.cache[agentID]
	m.mu.RUnlock()

	if !ok || m.now().After(entry.expiresAt) {
		return domain.HealthReport{}, false
	}
	return entry.report, true
}

func (m *Monitor) invalidate(agentID string) {
	m.mu.Lock()
	delete(m.cache, agentID)
	m.mu.Unlock()
}

func (m *Monitor) breaker(agentID string) *gobreaker.CircuitBreaker[domain.HealthReport] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[agentID]; ok {
		return cb
	}
	logger := m.logger
	cb := gobreaker.NewCircuitBreaker[domain.HealthReport](gobreaker.Settings{
		Name:        "health:" + agentID,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    m.cfg.BreakerInterval,
		Timeout:     m.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	m.breakers[agentID] = cb
	return cb
}

func (m *Monitor) publishCompleted(ctx context.Context, reports []domain.HealthReport) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(reports)
	if err != nil {
		m.logger.Error("failed to marshal health reports", "error", err)
		return
	}
	m.bus.Publish(ctx, domain.Event{
		Type:      domain.EventHealthCheckCompleted,
		Timestamp: m.now(),
		Payload:   payload,
	})
}
