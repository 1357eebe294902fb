// Package state persists stream descriptors, alerts, job records and
// tracked media files in SQLite.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/YousifYassi/prototype/internal/logger"
)

// Sealer protects secrets at rest
type Sealer interface {
	Seal(value string) (string, error)
	Open(value string) (string, error)
}

type plainSealer struct{}

func (plainSealer) Seal(v string) (string, error) { return v, nil }
func (plainSealer) Open(v string) (string, error) { return v, nil }

// Manager manages state persistence and recovery
type Manager struct {
	db     *Database
	sealer Sealer
	logger *logger.Logger
	mu     sync.RWMutex
}

// NewManager opens the database at dbPath. A nil sealer stores URIs in clear text.
func NewManager(dbPath string, sealer Sealer, log *logger.Logger) (*Manager, error) {
	db, err := NewDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	if sealer == nil {
		sealer = plainSealer{}
	}

	return &Manager{
		db:     db,
		sealer: sealer,
		logger: log.With("component", "state"),
	}, nil
}

// Close closes the state manager and database
func (m *Manager) Close() error {
	return m.db.Close()
}

// GetDB returns the database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db.GetDB()
}

// Ping checks the database connection
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.GetDB().PingContext(ctx)
}

// SaveSystemState saves a system state value
func (m *Manager) SaveSystemState(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	_, err := m.db.GetDB().ExecContext(ctx, query, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save system state: %w", err)
	}

	return nil
}

// GetSystemState retrieves a system state value, "" when absent
func (m *Manager) GetSystemState(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var value string
	query := `SELECT value FROM system_state WHERE key = ?`
	err := m.db.GetDB().QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get system state: %w", err)
	}

	return value, nil
}

// RecoveredState is what a restart needs from the database
type RecoveredState struct {
	Streams         []StreamRecord
	InterruptedJobs int64
	SystemState     map[string]string
}

// RecoverState loads enabled streams and fails jobs a previous run left unfinished
func (m *Manager) RecoverState(ctx context.Context) (*RecoveredState, error) {
	m.logger.Info("Recovering state")

	streams, err := m.ListStreams(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to recover streams: %w", err)
	}

	interrupted, err := m.MarkInterruptedJobs(ctx, "interrupted by service restart")
	if err != nil {
		return nil, fmt.Errorf("failed to recover jobs: %w", err)
	}

	systemState, err := m.recoverSystemState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover system state: %w", err)
	}

	m.logger.Info("State recovery complete",
		"streams", len(streams),
		"interrupted_jobs", interrupted,
	)

	return &RecoveredState{
		Streams:         streams,
		InterruptedJobs: interrupted,
		SystemState:     systemState,
	}, nil
}

func (m *Manager) recoverSystemState(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.GetDB().QueryContext(ctx, `SELECT key, value FROM system_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	state := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		state[key] = value
	}

	return state, rows.Err()
}

func nullTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
