package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/state"
)

func setupTestService(t *testing.T) (*Service, *state.Manager) {
	t.Helper()

	dir := t.TempDir()
	store, err := state.NewManager(filepath.Join(dir, "state.db"), nil, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create state manager: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc, err := NewService(Options{
		Storage: config.StorageConfig{
			SnapshotsDir:        filepath.Join(dir, "snapshots"),
			RetentionDays:       7,
			MaxDiskUsagePercent: 80,
		},
		Ingest: config.IngestConfig{
			UploadDir:         filepath.Join(dir, "uploads"),
			AllowedExtensions: []string{".mp4", ".avi"},
		},
		Store: store,
	}, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create storage service: %v", err)
	}
	return svc, store
}

func TestNewService_CreatesDirectories(t *testing.T) {
	svc, _ := setupTestService(t)

	for _, dir := range []string{svc.uploadsDir, svc.snapshotsDir} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("Expected directory %s to exist: %v", dir, err)
		}
	}
}

func TestService_SaveUpload(t *testing.T) {
	svc, store := setupTestService(t)
	ctx := context.Background()

	path, err := svc.SaveUpload(ctx, "../../site cam.MP4", strings.NewReader("video-bytes"))
	if err != nil {
		t.Fatalf("SaveUpload failed: %v", err)
	}
	if filepath.Dir(path) != svc.uploadsDir {
		t.Errorf("Expected upload inside %s, got %s", svc.uploadsDir, path)
	}
	if !strings.HasSuffix(path, "_site_cam.MP4") {
		t.Errorf("Expected sanitized name, got %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read upload: %v", err)
	}
	if string(data) != "video-bytes" {
		t.Errorf("Unexpected upload content %q", data)
	}

	count, size, err := store.MediaUsage(ctx, FileTypeUpload)
	if err != nil {
		t.Fatalf("MediaUsage failed: %v", err)
	}
	if count != 1 || size != int64(len("video-bytes")) {
		t.Errorf("Expected 1 tracked upload of 11 bytes, got %d/%d", count, size)
	}
}

func TestService_SaveUpload_RejectsExtension(t *testing.T) {
	svc, _ := setupTestService(t)

	_, err := svc.SaveUpload(context.Background(), "notes.txt", strings.NewReader("x"))
	if !errors.Is(err, ErrUnsupportedExtension) {
		t.Fatalf("Expected ErrUnsupportedExtension, got %v", err)
	}

	entries, _ := os.ReadDir(svc.uploadsDir)
	if len(entries) != 0 {
		t.Errorf("Expected no files written, got %d", len(entries))
	}
}

func TestService_Archive(t *testing.T) {
	svc, store := setupTestService(t)
	ctx := context.Background()

	url, err := svc.Archive(ctx, "stream/cam-1/alert-1.jpg", []byte("jpeg"))
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if url != "/snapshots/stream/cam-1/alert-1.jpg" {
		t.Errorf("Unexpected URL %s", url)
	}

	path := filepath.Join(svc.snapshotsDir, "stream", "cam-1", "alert-1.jpg")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected snapshot at %s: %v", path, err)
	}

	files, err := store.ListOldestMedia(ctx, FileTypeSnapshot, 10)
	if err != nil {
		t.Fatalf("ListOldestMedia failed: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("Expected 1 tracked snapshot, got %d", len(files))
	}
	if files[0].SourceID != "cam-1" {
		t.Errorf("Expected source cam-1, got %s", files[0].SourceID)
	}
	if files[0].ExpiresAt == nil {
		t.Error("Expected snapshot to carry an expiry")
	}
}

func TestService_Archive_StaysInsideSnapshotsDir(t *testing.T) {
	svc, _ := setupTestService(t)

	url, err := svc.Archive(context.Background(), "../../escape.jpg", []byte("jpeg"))
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if url != "/snapshots/escape.jpg" {
		t.Errorf("Unexpected URL %s", url)
	}
	if _, err := os.Stat(filepath.Join(svc.snapshotsDir, "escape.jpg")); err != nil {
		t.Errorf("Expected snapshot inside snapshots dir: %v", err)
	}

	if _, err := svc.Archive(context.Background(), "", []byte("jpeg")); err == nil {
		t.Error("Expected error for empty key")
	}
}

func TestService_Stats(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	svc.SaveUpload(ctx, "a.mp4", strings.NewReader("12345"))
	svc.Archive(ctx, "job/j1/a.jpg", []byte("123"))
	svc.Archive(ctx, "job/j1/b.jpg", []byte("123"))

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Uploads != 1 || stats.UploadBytes != 5 {
		t.Errorf("Unexpected upload stats %+v", stats)
	}
	if stats.Snapshots != 2 || stats.SnapshotBytes != 6 {
		t.Errorf("Unexpected snapshot stats %+v", stats)
	}
	if stats.DiskUsagePercent < 0 || stats.DiskUsagePercent > 100 {
		t.Errorf("Unexpected disk usage %.2f", stats.DiskUsagePercent)
	}
}

func TestService_StartStop(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
}
