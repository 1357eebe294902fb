package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MediaFile is a tracked file subject to retention
type MediaFile struct {
	Path      string
	FileType  string // upload or snapshot
	SizeBytes int64
	SourceID  string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// TrackMediaFile records a file for retention
func (m *Manager) TrackMediaFile(ctx context.Context, f MediaFile) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO media_files (path, file_type, size_bytes, source_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			expires_at = excluded.expires_at
	`
	_, err := m.db.GetDB().ExecContext(ctx, query,
		f.Path, f.FileType, f.SizeBytes, f.SourceID, f.CreatedAt.UTC(), nullTime(f.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to track media file: %w", err)
	}
	return nil
}

// ListExpiredMedia returns files whose expiry is before now
func (m *Manager) ListExpiredMedia(ctx context.Context, now time.Time) ([]MediaFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.GetDB().QueryContext(ctx, selectMedia+`
		WHERE expires_at IS NOT NULL AND expires_at < ?
		ORDER BY expires_at`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired media: %w", err)
	}
	defer rows.Close()
	return scanMedia(rows)
}

// ListOldestMedia returns up to limit tracked files of a type, oldest first
func (m *Manager) ListOldestMedia(ctx context.Context, fileType string, limit int) ([]MediaFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.GetDB().QueryContext(ctx, selectMedia+`
		WHERE file_type = ?
		ORDER BY created_at
		LIMIT ?`, fileType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list media: %w", err)
	}
	defer rows.Close()
	return scanMedia(rows)
}

const selectMedia = `
	SELECT path, file_type, size_bytes, source_id, created_at, expires_at
	FROM media_files`

func scanMedia(rows *sql.Rows) ([]MediaFile, error) {
	files := make([]MediaFile, 0)
	for rows.Next() {
		var f MediaFile
		var sourceID sql.NullString
		var expiresAt sql.NullTime
		if err := rows.Scan(&f.Path, &f.FileType, &f.SizeBytes, &sourceID, &f.CreatedAt, &expiresAt); err != nil {
			return nil, err
		}
		f.SourceID = sourceID.String
		f.ExpiresAt = timePtr(expiresAt)
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteMediaFile forgets a tracked file
func (m *Manager) DeleteMediaFile(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.db.GetDB().ExecContext(ctx, `DELETE FROM media_files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete media file: %w", err)
	}
	return nil
}

// MediaUsage returns the number and total size of tracked files of a type
func (m *Manager) MediaUsage(ctx context.Context, fileType string) (count int, bytes int64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	err = m.db.GetDB().QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM media_files WHERE file_type = ?`, fileType,
	).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute media usage: %w", err)
	}
	return count, bytes, nil
}
