package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteSnapshotRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	in := []domain.AgentDescriptor{
		{ID: "a1", Name: "Worker 1", Type: "worker", Capabilities: []string{"deploy", "rollback"}},
		{ID: "a2", Name: "Scriptor", Type: "scriptor", Capabilities: []string{}},
	}
	require.NoError(t, s.SaveAgentSnapshot(ctx, in))

	out, err := s.AgentSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "a1", out[0].ID)
	require.Equal(t, []string{"deploy", "rollback"}, out[0].Capabilities)

	// A later snapshot fully replaces the previous one.
	require.NoError(t, s.SaveAgentSnapshot(ctx, in[:1]))
	out, err = s.AgentSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestSQLiteHealthReportTTL(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	current := time.Now()
	s.now = func() time.Time { return current }

	report := domain.HealthReport{
		AgentID:   "a1",
		State:     domain.AgentBusy,
		Load:      3,
		QueueSize: 3,
		Timestamp: current,
	}
	require.NoError(t, s.SaveHealthReport(ctx, report, 30*time.Second))

	got, err := s.HealthReport(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, domain.AgentBusy, got.State)
	require.Equal(t, 3, got.Load)

	current = current.Add(time.Minute)
	_, err = s.HealthReport(ctx, "a1")
	require.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSQLiteExpireHealthReports(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.SaveHealthReport(ctx, domain.HealthReport{AgentID: "short", Timestamp: time.Now()}, time.Second))
	require.NoError(t, s.SaveHealthReport(ctx, domain.HealthReport{AgentID: "long", Timestamp: time.Now()}, time.Hour))

	removed, err := s.ExpireHealthReports(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}
