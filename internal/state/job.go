package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/YousifYassi/prototype/internal/policy"
)

// JobRecord is a persisted batch job
type JobRecord struct {
	ID              string
	VideoPath       string
	Status          string
	Project         policy.ProjectContext
	Detections      json.RawMessage
	FramesProcessed int64
	Error           string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Terminal and in-flight job statuses as stored
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusError      = "error"
)

// SaveJob inserts or updates a job
func (m *Manager) SaveJob(ctx context.Context, j JobRecord) error {
	project, err := json.Marshal(j.Project)
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}
	detections := "[]"
	if len(j.Detections) > 0 {
		detections = string(j.Detections)
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO jobs (id, video_path, status, project, detections, frames_processed, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			detections = excluded.detections,
			frames_processed = excluded.frames_processed,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	_, err = m.db.GetDB().ExecContext(ctx, query,
		j.ID, j.VideoPath, j.Status, string(project), detections, j.FramesProcessed, j.Error,
		j.CreatedAt.UTC(), nullTime(j.StartedAt), nullTime(j.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID, nil when absent
func (m *Manager) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	m.mu.RLock()
	row := m.db.GetDB().QueryRowContext(ctx, selectJobs+` WHERE id = ?`, id)
	j, err := scanJob(row)
	m.mu.RUnlock()

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs newest first
func (m *Manager) ListJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.GetDB().QueryContext(ctx, selectJobs+` ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]JobRecord, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}

	return jobs, rows.Err()
}

// MarkInterruptedJobs fails every job still queued or processing
func (m *Manager) MarkInterruptedJobs(ctx context.Context, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.GetDB().ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, completed_at = ? WHERE status IN (?, ?)`,
		JobStatusError, reason, time.Now().UTC(), JobStatusQueued, JobStatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted jobs: %w", err)
	}
	return res.RowsAffected()
}

const selectJobs = `
	SELECT id, video_path, status, project, detections, frames_processed, error, created_at, started_at, completed_at
	FROM jobs`

func scanJob(row rowScanner) (*JobRecord, error) {
	var j JobRecord
	var project, detections, errText sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(
		&j.ID, &j.VideoPath, &j.Status, &project, &detections, &j.FramesProcessed, &errText,
		&j.CreatedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	if project.Valid && project.String != "" {
		if err := json.Unmarshal([]byte(project.String), &j.Project); err != nil {
			return nil, fmt.Errorf("failed to parse job project: %w", err)
		}
	}
	if detections.Valid {
		j.Detections = json.RawMessage(detections.String)
	}
	j.Error = errText.String
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	return &j, nil
}
