package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"conductor/internal/domain"
	"conductor/internal/usecase/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubAgent struct {
	id    string
	calls atomic.Int32
	check func() (domain.HealthReport, error)
}

func (a *stubAgent) Descriptor() domain.AgentDescriptor {
	return domain.AgentDescriptor{ID: a.id, Name: a.id, Type: "worker"}
}
func (a *stubAgent) State() domain.AgentState { return domain.AgentIdle }
func (a *stubAgent) HealthCheck(context.Context) (domain.HealthReport, error) {
	a.calls.Add(1)
	if a.check != nil {
		return a.check()
	}
	return domain.HealthReport{AgentID: a.id, State: domain.AgentIdle}, nil
}

type stubSource struct {
	agents []domain.Agent
}

func (s *stubSource) Agents() []domain.Agent { return s.agents }

func TestCheckNowCachesSnapshot(t *testing.T) {
	a := &stubAgent{id: "w1"}
	m := NewMonitor(&stubSource{}, nil, nil, Config{TTL: 30 * time.Second}, testLogger())

	current := time.Now()
	m.now = func() time.Time { return current }

	report, err := m.CheckNow(context.Background(), a)
	if err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if report.AgentID != "w1" {
		t.Errorf("report agent = %q, want w1", report.AgentID)
	}

	if _, ok := m.Snapshot("w1"); !ok {
		t.Error("Snapshot missing right after CheckNow")
	}

	// Past the TTL the snapshot is stale and treated as absent.
	current = current.Add(31 * time.Second)
	if _, ok := m.Snapshot("w1"); ok {
		t.Error("Snapshot served a stale report")
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	good := &stubAgent{id: "good"}
	bad := &stubAgent{id: "bad", check: func() (domain.HealthReport, error) {
		return domain.HealthReport{}, fmt.Errorf("probe failed")
	}}
	source := &stubSource{agents: []domain.Agent{bad, good}}

	events := eventbus.New(testLogger())
	gotReports := make(chan []domain.HealthReport, 1)
	events.Subscribe(domain.EventHealthCheckCompleted, func(_ context.Context, e domain.Event) {
		var reports []domain.HealthReport
		if err := json.Unmarshal(e.Payload, &reports); err == nil {
			gotReports <- reports
		}
	})

	m := NewMonitor(source, nil, events, Config{}, testLogger())
	m.sweep(context.Background())

	if _, ok := m.Snapshot("good"); !ok {
		t.Error("healthy agent not cached after sweep")
	}
	if _, ok := m.Snapshot("bad"); ok {
		t.Error("failed agent should not be cached")
	}

	select {
	case reports := <-gotReports:
		if len(reports) != 1 || reports[0].AgentID != "good" {
			t.Errorf("aggregate event = %v, want only the healthy report", reports)
		}
	case <-time.After(time.Second):
		t.Fatal("no aggregate event published")
	}
	events.Close()
}

func TestBreakerShortCircuitsFailingAgent(t *testing.T) {
	bad := &stubAgent{id: "bad", check: func() (domain.HealthReport, error) {
		return domain.HealthReport{}, fmt.Errorf("probe failed")
	}}
	m := NewMonitor(&stubSource{}, nil, nil, Config{BreakerMaxFailures: 3}, testLogger())

	for i := 0; i < 5; i++ {
		if _, err := m.CheckNow(context.Background(), bad); err == nil {
			t.Fatalf("check %d unexpectedly succeeded", i)
		}
	}
	// After three consecutive failures the breaker opens and stops probing.
	if calls := bad.calls.Load(); calls != 3 {
		t.Errorf("agent probed %d times, want 3", calls)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	a := &stubAgent{id: "w1"}
	m := NewMonitor(&stubSource{agents: []domain.Agent{a}}, nil, nil,
		Config{Interval: 10 * time.Millisecond}, testLogger())

	m.Start(context.Background())
	m.Start(context.Background()) // idempotent

	deadline := time.After(time.Second)
	for a.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("no sweep ran before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	m.Stop()
	after := a.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := a.calls.Load(); got != after {
		t.Errorf("sweeps continued after Stop: %d -> %d", after, got)
	}
	m.Stop() // idempotent
}

func TestSweepPersistsReports(t *testing.T) {
	a := &stubAgent{id: "w1"}
	st := &recordingStore{}
	m := NewMonitor(&stubSource{agents: []domain.Agent{a}}, st, nil, Config{}, testLogger())

	m.sweep(context.Background())
	if st.saved.Load() != 1 {
		t.Errorf("saved %d reports, want 1", st.saved.Load())
	}
}

type recordingStore struct {
	saved atomic.Int32
}

func (s *recordingStore) SaveAgentSnapshot(context.Context, []domain.AgentDescriptor) error {
	return nil
}
func (s *recordingStore) AgentSnapshot(context.Context) ([]domain.AgentDescriptor, error) {
	return nil, nil
}
func (s *recordingStore) SaveHealthReport(context.Context, domain.HealthReport, time.Duration) error {
	s.saved.Add(1)
	return nil
}
func (s *recordingStore) HealthReport(context.Context, string) (*domain.HealthReport, error) {
	return nil, domain.ErrNotFound
}
func (s *recordingStore) ExpireHealthReports(context.Context, time.Time) (int, error) {
	return 0, nil
}
func (s *recordingStore) Close() error { return nil }
