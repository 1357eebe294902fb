// Package storage keeps uploaded videos and alert snapshots on local disk
// and enforces their retention.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/service"
	"github.com/YousifYassi/prototype/internal/state"
)

// Tracked file types
const (
	FileTypeUpload   = "upload"
	FileTypeSnapshot = "snapshot"
)

// SnapshotURLPrefix is where the web server exposes the snapshots directory
const SnapshotURLPrefix = "/snapshots/"

// ErrUnsupportedExtension is returned for uploads with a disallowed extension
var ErrUnsupportedExtension = fmt.Errorf("unsupported file extension")

// Stats summarizes stored files
type Stats struct {
	Uploads          int     `json:"uploads"`
	UploadBytes      int64   `json:"upload_bytes"`
	Snapshots        int     `json:"snapshots"`
	SnapshotBytes    int64   `json:"snapshot_bytes"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
	AvailableBytes   int64   `json:"available_bytes"`
}

// Options configures the storage service
type Options struct {
	Storage config.StorageConfig
	Ingest  config.IngestConfig
	Store   MediaStore
}

// Service manages local uploads and snapshots
type Service struct {
	*service.ServiceBase

	uploadsDir   string
	snapshotsDir string
	allowed      map[string]bool
	retention    time.Duration
	interval     time.Duration
	store        MediaStore
	disk         *DiskMonitor
	policy       *RetentionPolicy

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the storage service and its directories
func NewService(opts Options, log *logger.Logger) (*Service, error) {
	for _, dir := range []string{opts.Ingest.UploadDir, opts.Storage.SnapshotsDir} {
		if dir == "" {
			return nil, fmt.Errorf("storage directories are required")
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	interval := opts.Storage.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}

	disk := NewDiskMonitor(opts.Storage.SnapshotsDir, opts.Storage.MaxDiskUsagePercent)
	base := service.NewServiceBase("storage", log.With("component", "storage"))

	return &Service{
		ServiceBase:  base,
		uploadsDir:   opts.Ingest.UploadDir,
		snapshotsDir: opts.Storage.SnapshotsDir,
		allowed: lo.SliceToMap(opts.Ingest.AllowedExtensions, func(ext string) (string, bool) {
			return strings.ToLower(ext), true
		}),
		retention: time.Duration(opts.Storage.RetentionDays) * 24 * time.Hour,
		interval:  interval,
		store:     opts.Store,
		disk:      disk,
		policy:    NewRetentionPolicy(opts.Store, disk, base.Logger()),
	}, nil
}

// SnapshotsDir returns the directory snapshots are written to
func (s *Service) SnapshotsDir() string {
	return s.snapshotsDir
}

// Disk returns the disk monitor
func (s *Service) Disk() *DiskMonitor {
	return s.disk
}

// Start runs the periodic retention pass
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}
	s.GetStatus().SetStatus(service.StatusStarting)

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Storage service started",
		"uploads_dir", s.uploadsDir,
		"snapshots_dir", s.snapshotsDir,
		"retention", s.retention,
	)
	return nil
}

// Stop halts the retention loop
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	s.GetStatus().SetStatus(service.StatusStopping)
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup(ctx)
		}
	}
}

// Cleanup enforces retention once and reports disk pressure
func (s *Service) Cleanup(ctx context.Context) RetentionResult {
	res, err := s.policy.Enforce(ctx)
	if err != nil {
		s.LogWarn("Retention pass failed", "error", err)
	}

	usage, err := s.disk.GetUsage(ctx)
	if err != nil {
		s.LogWarn("Failed to read disk usage", "error", err)
		return res
	}
	max := s.disk.MaxUsagePercent()
	switch {
	case usage.UsagePercent >= max:
		s.PublishEvent(service.EventTypeStorageFull, map[string]interface{}{
			"usage_percent": usage.UsagePercent,
		})
	case usage.UsagePercent >= max*0.9:
		s.PublishEvent(service.EventTypeStorageWarning, map[string]interface{}{
			"usage_percent": usage.UsagePercent,
		})
	}
	return res
}

// SaveUpload copies r into the uploads directory under a unique name and
// returns the stored path.
func (s *Service) SaveUpload(ctx context.Context, filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !s.allowed[ext] {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedExtension, ext)
	}

	name := uuid.NewString() + "_" + sanitizeName(filename)
	path := filepath.Join(s.uploadsDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create upload: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write upload: %w", err)
	}

	s.track(ctx, state.MediaFile{Path: path, FileType: FileTypeUpload, SizeBytes: size})
	s.LogDebug("Upload saved", "path", path, "size", size)
	return path, nil
}

// Archive writes an alert snapshot below the snapshots directory and
// returns its URL path.
func (s *Service) Archive(ctx context.Context, key string, jpeg []byte) (string, error) {
	clean := filepath.Clean("/" + key)[1:]
	if clean == "" {
		return "", fmt.Errorf("invalid snapshot key %q", key)
	}
	path := filepath.Join(s.snapshotsDir, filepath.FromSlash(clean))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := os.WriteFile(path, jpeg, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}

	sourceID := strings.SplitN(clean, "/", 3)
	f := state.MediaFile{Path: path, FileType: FileTypeSnapshot, SizeBytes: int64(len(jpeg))}
	if len(sourceID) == 3 {
		f.SourceID = sourceID[1]
	}
	if s.retention > 0 {
		expires := time.Now().Add(s.retention)
		f.ExpiresAt = &expires
	}
	s.track(ctx, f)

	return SnapshotURLPrefix + filepath.ToSlash(clean), nil
}

// Stats returns file counts and disk usage
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	if s.store != nil {
		var err error
		if stats.Uploads, stats.UploadBytes, err = s.store.MediaUsage(ctx, FileTypeUpload); err != nil {
			return nil, err
		}
		if stats.Snapshots, stats.SnapshotBytes, err = s.store.MediaUsage(ctx, FileTypeSnapshot); err != nil {
			return nil, err
		}
	}

	usage, err := s.disk.GetUsage(ctx)
	if err != nil {
		return nil, err
	}
	stats.DiskUsagePercent = usage.UsagePercent
	stats.AvailableBytes = usage.AvailableBytes
	return stats, nil
}

func (s *Service) track(ctx context.Context, f state.MediaFile) {
	if s.store == nil {
		return
	}
	if err := s.store.TrackMediaFile(ctx, f); err != nil {
		s.LogWarn("Failed to track media file", "path", f.Path, "error", err)
	}
}

func sanitizeName(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
