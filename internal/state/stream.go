package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/YousifYassi/prototype/internal/policy"
)

// StreamRecord is a persisted stream descriptor
type StreamRecord struct {
	ID         string
	Name       string
	URI        string
	Kind       string
	FPS        int
	Resolution string
	Status     string
	LastError  string
	Enabled    bool
	Project    policy.ProjectContext
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SaveStream inserts or updates a stream. The URI is sealed before it is written.
func (m *Manager) SaveStream(ctx context.Context, s StreamRecord) error {
	uri, err := m.sealer.Seal(s.URI)
	if err != nil {
		return fmt.Errorf("failed to seal stream uri: %w", err)
	}
	project, err := json.Marshal(s.Project)
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}

	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO streams (id, name, uri, kind, fps, resolution, status, last_error, enabled, project, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			uri = excluded.uri,
			kind = excluded.kind,
			fps = excluded.fps,
			resolution = excluded.resolution,
			status = excluded.status,
			last_error = excluded.last_error,
			enabled = excluded.enabled,
			project = excluded.project,
			updated_at = excluded.updated_at
	`

	_, err = m.db.GetDB().ExecContext(ctx, query,
		s.ID, s.Name, uri, s.Kind, s.FPS, s.Resolution, s.Status, s.LastError,
		s.Enabled, string(project), s.CreatedAt.UTC(), now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save stream: %w", err)
	}

	return nil
}

// UpdateStreamStatus records a lifecycle transition
func (m *Manager) UpdateStreamStatus(ctx context.Context, id, status, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `UPDATE streams SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`
	_, err := m.db.GetDB().ExecContext(ctx, query, status, lastError, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update stream status: %w", err)
	}

	return nil
}

// GetStream retrieves a stream by ID, nil when absent
func (m *Manager) GetStream(ctx context.Context, id string) (*StreamRecord, error) {
	m.mu.RLock()
	row := m.db.GetDB().QueryRowContext(ctx, selectStreams+` WHERE id = ?`, id)
	s, err := m.scanStream(row)
	m.mu.RUnlock()

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	return s, nil
}

// ListStreams lists streams ordered by creation time
func (m *Manager) ListStreams(ctx context.Context, enabledOnly bool) ([]StreamRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query := selectStreams
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := m.db.GetDB().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	defer rows.Close()

	streams := make([]StreamRecord, 0)
	for rows.Next() {
		s, err := m.scanStream(rows)
		if err != nil {
			return nil, err
		}
		streams = append(streams, *s)
	}

	return streams, rows.Err()
}

// DeleteStream deletes a stream
func (m *Manager) DeleteStream(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.GetDB().ExecContext(ctx, `DELETE FROM streams WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete stream: %w", err)
	}

	return nil
}

const selectStreams = `
	SELECT id, name, uri, kind, fps, resolution, status, last_error, enabled, project, created_at, updated_at
	FROM streams`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (m *Manager) scanStream(row rowScanner) (*StreamRecord, error) {
	var s StreamRecord
	var resolution, lastError, project sql.NullString
	if err := row.Scan(
		&s.ID, &s.Name, &s.URI, &s.Kind, &s.FPS, &resolution, &s.Status, &lastError,
		&s.Enabled, &project, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Resolution = resolution.String
	s.LastError = lastError.String

	if project.Valid && project.String != "" {
		if err := json.Unmarshal([]byte(project.String), &s.Project); err != nil {
			m.logger.Warn("Failed to parse stream project", "stream_id", s.ID, "error", err)
		}
	}

	uri, err := m.sealer.Open(s.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed uri for stream %s: %w", s.ID, err)
	}
	s.URI = uri
	return &s, nil
}
