package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"conductor/internal/domain"
)

// SQLite implements domain.StateStore on a local SQLite database. Registry
// snapshots survive restarts; health reports are stored with their expiry so
// the TTL semantics match the in-memory backend.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_snapshot (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			type         TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '[]',
			saved_at     TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS health_reports (
			agent_id   TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			load       INTEGER NOT NULL,
			queue_size INTEGER NOT NULL,
			checked_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) SaveAgentSnapshot(ctx context.Context, agents []domain.AgentDescriptor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM agent_snapshot"); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	for _, a := range agents {
		caps, err := json.Marshal(a.Capabilities)
		if err != nil {
			return fmt.Errorf("marshal capabilities: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO agent_snapshot (id, name, type, capabilities, saved_at) VALUES (?, ?, ?, ?, ?)",
			a.ID, a.Name, a.Type, string(caps), now,
		)
		if err != nil {
			return fmt.Errorf("insert snapshot row: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) AgentSnapshot(ctx context.Context) ([]domain.AgentDescriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, type, capabilities FROM agent_snapshot ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.AgentDescriptor
	for rows.Next() {
		var a domain.AgentDescriptor
		var caps string
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &caps); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("parse capabilities for %s: %w", a.ID, err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLite) SaveHealthReport(ctx context.Context, report domain.HealthReport, ttl time.Duration) error {
	expires := s.now().Add(ttl).UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_reports (agent_id, state, load, queue_size, checked_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			state = excluded.state,
			load = excluded.load,
			queue_size = excluded.queue_size,
			checked_at = excluded.checked_at,
			expires_at = excluded.expires_at`,
		report.AgentID, string(report.State), report.Load, report.QueueSize,
		report.Timestamp.UTC().Format(time.RFC3339Nano), expires,
	)
	return err
}

func (s *SQLite) HealthReport(ctx context.Context, agentID string) (*domain.HealthReport, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT state, load, queue_size, checked_at, expires_at FROM health_reports WHERE agent_id = ?",
		agentID,
	)

	var state, checkedAt, expiresAt string
	report := domain.HealthReport{AgentID: agentID}
	err := row.Scan(&state, &report.Load, &report.QueueSize, &checkedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("agent", "SQLite.HealthReport", domain.ErrNotFound, agentID)
	}
	if err != nil {
		return nil, err
	}

	expires, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse expiry for %s: %w", agentID, err)
	}
	if s.now().After(expires) {
		return nil, domain.NewSubSystemError("agent", "SQLite.HealthReport", domain.ErrNotFound, agentID)
	}

	report.State = domain.AgentState(state)
	if report.Timestamp, err = time.Parse(time.RFC3339Nano, checkedAt); err != nil {
		return nil, fmt.Errorf("parse timestamp for %s: %w", agentID, err)
	}
	return &report, nil
}

func (s *SQLite) ExpireHealthReports(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM health_reports WHERE expires_at < ?",
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var _ domain.StateStore = (*SQLite)(nil)
