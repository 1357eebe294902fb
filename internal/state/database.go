package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Database manages the SQLite database for state persistence
type Database struct {
	db     *sql.DB
	dbPath string
}

// NewDatabase creates a new database connection
func NewDatabase(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := ensureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support concurrent writes well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	database := &Database{
		db:     db,
		dbPath: dbPath,
	}

	if err := database.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// GetDB returns the underlying database connection
func (d *Database) GetDB() *sql.DB {
	return d.db
}

// Path returns the database file path
func (d *Database) Path() string {
	return d.dbPath
}

func (d *Database) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS system_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS streams (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		uri TEXT NOT NULL, -- sealed when credential sealing is enabled
		kind TEXT NOT NULL,
		fps INTEGER NOT NULL DEFAULT 0,
		resolution TEXT,
		status TEXT NOT NULL DEFAULT 'inactive',
		last_error TEXT,
		enabled BOOLEAN DEFAULT 1,
		project TEXT, -- JSON project context
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		source_type TEXT NOT NULL, -- 'stream' or 'job'
		project_id TEXT,
		action TEXT NOT NULL,
		confidence REAL NOT NULL,
		severity INTEGER NOT NULL,
		priority TEXT,
		regulation_code TEXT,
		regulation_title TEXT,
		violation TEXT,
		frame_index INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		raised_at TIMESTAMP NOT NULL,
		snapshot_url TEXT
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		video_path TEXT NOT NULL,
		status TEXT NOT NULL,
		project TEXT, -- JSON project context
		detections TEXT, -- JSON list of fired alerts
		frames_processed INTEGER DEFAULT 0,
		error TEXT,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS media_files (
		path TEXT PRIMARY KEY,
		file_type TEXT NOT NULL, -- 'upload' or 'snapshot'
		size_bytes INTEGER NOT NULL,
		source_id TEXT,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_source_raised ON alerts(source_id, raised_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_raised ON alerts(raised_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_media_expires ON media_files(expires_at);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// ensureDir ensures a directory exists
func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
