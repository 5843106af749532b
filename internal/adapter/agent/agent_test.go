package agent

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"conductor/internal/adapter/bus"
	"conductor/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocalAnswersRequests(t *testing.T) {
	b := bus.NewInMemory(0, testLogger())
	defer b.Close()

	a := NewLocal(domain.AgentDescriptor{ID: "w1", Name: "Worker", Type: "worker"},
		func(_ context.Context, payload map[string]any) (map[string]any, error) {
			return map[string]any{"echo": payload["in"]}, nil
		})
	a.Attach(b)
	defer a.Detach()

	resp, err := b.Request(context.Background(), domain.Message{
		To:      "w1",
		Payload: map[string]any{"in": "hello"},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Payload["echo"])
	require.Equal(t, domain.AgentIdle, a.State())
}

func TestLocalHealthCheck(t *testing.T) {
	a := NewLocal(domain.AgentDescriptor{ID: "w1", Type: "worker"}, nil)

	report, err := a.HealthCheck(context.Background())
	require.NoError(t, err)
	require.Equal(t, "w1", report.AgentID)
	require.Equal(t, domain.AgentIdle, report.State)
	require.Equal(t, 0, report.QueueSize)
	require.False(t, report.Timestamp.IsZero())
}

func TestLocalManualStateSurvivesWork(t *testing.T) {
	a := NewLocal(domain.AgentDescriptor{ID: "w1", Type: "worker"},
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		})
	a.SetState(domain.AgentStopped)

	_, err := a.handleMessage(context.Background(), domain.Message{})
	require.NoError(t, err)
	require.Equal(t, domain.AgentStopped, a.State())
}

func TestRemoteHealthCheck(t *testing.T) {
	b := bus.NewInMemory(0, testLogger())
	defer b.Close()

	b.Subscribe("r1", func(_ context.Context, msg domain.Message) (*domain.Message, error) {
		require.Equal(t, "health-check", msg.Payload["action"])
		return &domain.Message{Payload: map[string]any{
			"state":      "busy",
			"load":       float64(4),
			"queue_size": 2,
		}}, nil
	})

	a := NewRemote(domain.AgentDescriptor{ID: "r1", Type: "worker"}, b)
	report, err := a.HealthCheck(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.AgentBusy, report.State)
	require.Equal(t, 4, report.Load)
	require.Equal(t, 2, report.QueueSize)
	require.Equal(t, domain.AgentBusy, a.State())
}

func TestRemoteHealthCheckUnreachable(t *testing.T) {
	b := bus.NewInMemory(0, testLogger())
	defer b.Close()

	a := NewRemote(domain.AgentDescriptor{ID: "ghost", Type: "worker"}, b)
	_, err := a.HealthCheck(context.Background())
	require.ErrorIs(t, err, domain.ErrAgentUnreachable)
}
