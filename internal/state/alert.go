package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AlertRecord is a persisted alert
type AlertRecord struct {
	ID              string
	SourceID        string
	SourceType      string
	ProjectID       string
	Action          string
	Confidence      float64
	Severity        int
	Priority        string
	RegulationCode  string
	RegulationTitle string
	Violation       string
	FrameIndex      int64
	Timestamp       time.Time
	RaisedAt        time.Time
	SnapshotURL     string
}

// AlertFilter narrows ListAlerts
type AlertFilter struct {
	SourceID    string
	SourceType  string
	MinSeverity int
	Since       time.Time
	Limit       int
}

// SaveAlert stores an alert
func (m *Manager) SaveAlert(ctx context.Context, a AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO alerts (id, source_id, source_type, project_id, action, confidence, severity, priority,
			regulation_code, regulation_title, violation, frame_index, timestamp, raised_at, snapshot_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			snapshot_url = excluded.snapshot_url
	`

	_, err := m.db.GetDB().ExecContext(ctx, query,
		a.ID, a.SourceID, a.SourceType, a.ProjectID, a.Action, a.Confidence, a.Severity, a.Priority,
		a.RegulationCode, a.RegulationTitle, a.Violation, a.FrameIndex, a.Timestamp.UTC(), a.RaisedAt.UTC(), a.SnapshotURL,
	)
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}

	return nil
}

// ListAlerts returns alerts newest first
func (m *Manager) ListAlerts(ctx context.Context, f AlertFilter) ([]AlertRecord, error) {
	var where []string
	var args []interface{}
	if f.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, f.SourceID)
	}
	if f.SourceType != "" {
		where = append(where, "source_type = ?")
		args = append(args, f.SourceType)
	}
	if f.MinSeverity > 0 {
		where = append(where, "severity >= ?")
		args = append(args, f.MinSeverity)
	}
	if !f.Since.IsZero() {
		where = append(where, "raised_at >= ?")
		args = append(args, f.Since.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, source_id, source_type, project_id, action, confidence, severity, priority,
			regulation_code, regulation_title, violation, frame_index, timestamp, raised_at, snapshot_url
		FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY raised_at DESC, id LIMIT ?"
	args = append(args, limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0)
	for rows.Next() {
		var a AlertRecord
		var projectID, priority, code, title, violation, snapshot sql.NullString
		if err := rows.Scan(
			&a.ID, &a.SourceID, &a.SourceType, &projectID, &a.Action, &a.Confidence, &a.Severity, &priority,
			&code, &title, &violation, &a.FrameIndex, &a.Timestamp, &a.RaisedAt, &snapshot,
		); err != nil {
			return nil, err
		}
		a.ProjectID = projectID.String
		a.Priority = priority.String
		a.RegulationCode = code.String
		a.RegulationTitle = title.String
		a.Violation = violation.String
		a.SnapshotURL = snapshot.String
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

// CountAlerts counts alerts raised by a source
func (m *Manager) CountAlerts(ctx context.Context, sourceID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int
	err := m.db.GetDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE source_id = ?`, sourceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}
