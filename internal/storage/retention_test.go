package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/state"
)

func writeTracked(t *testing.T, store *state.Manager, dir, name, fileType string, created time.Time, expires *time.Time) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	err := store.TrackMediaFile(context.Background(), state.MediaFile{
		Path:      path,
		FileType:  fileType,
		SizeBytes: 4,
		CreatedAt: created,
		ExpiresAt: expires,
	})
	if err != nil {
		t.Fatalf("Failed to track %s: %v", name, err)
	}
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRetentionPolicy_DeletesExpired(t *testing.T) {
	svc, store := setupTestService(t)
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	expired := writeTracked(t, store, svc.snapshotsDir, "old.jpg", FileTypeSnapshot, now.Add(-48*time.Hour), &past)
	fresh := writeTracked(t, store, svc.snapshotsDir, "new.jpg", FileTypeSnapshot, now, &future)

	policy := NewRetentionPolicy(store, nil, logger.NewNopLogger())
	res, err := policy.Enforce(context.Background())
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}

	if res.Expired != 1 {
		t.Errorf("Expected 1 expired file, got %d", res.Expired)
	}
	if exists(expired) {
		t.Error("Expected expired snapshot to be deleted")
	}
	if !exists(fresh) {
		t.Error("Expected fresh snapshot to be kept")
	}

	count, _, _ := store.MediaUsage(context.Background(), FileTypeSnapshot)
	if count != 1 {
		t.Errorf("Expected 1 tracked snapshot, got %d", count)
	}
}

func TestRetentionPolicy_MissingFileIsForgotten(t *testing.T) {
	svc, store := setupTestService(t)
	past := time.Now().Add(-time.Minute)

	path := writeTracked(t, store, svc.snapshotsDir, "gone.jpg", FileTypeSnapshot, time.Now(), &past)
	os.Remove(path)

	policy := NewRetentionPolicy(store, nil, logger.NewNopLogger())
	res, err := policy.Enforce(context.Background())
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if res.Expired != 1 {
		t.Errorf("Expected missing file to count as expired, got %d", res.Expired)
	}
}

func TestRetentionPolicy_FreesDiskSpaceOldestFirst(t *testing.T) {
	svc, store := setupTestService(t)
	now := time.Now()

	oldest := writeTracked(t, store, svc.snapshotsDir, "a.jpg", FileTypeSnapshot, now.Add(-3*time.Hour), nil)
	middle := writeTracked(t, store, svc.snapshotsDir, "b.jpg", FileTypeSnapshot, now.Add(-2*time.Hour), nil)
	upload := writeTracked(t, store, svc.uploadsDir, "c.mp4", FileTypeUpload, now.Add(-4*time.Hour), nil)

	disk := NewDiskMonitor(svc.snapshotsDir, 80)
	readings := []float64{95, 50}
	disk.statfs = func(string) (*DiskUsage, error) {
		pct := readings[0]
		if len(readings) > 1 {
			readings = readings[1:]
		}
		return &DiskUsage{TotalBytes: 100, UsedBytes: int64(pct), UsagePercent: pct}, nil
	}

	policy := NewRetentionPolicy(store, disk, logger.NewNopLogger())
	policy.batchSize = 1

	res, err := policy.Enforce(context.Background())
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if res.Evicted != 1 {
		t.Errorf("Expected 1 evicted snapshot, got %d", res.Evicted)
	}
	if exists(oldest) {
		t.Error("Expected oldest snapshot to be evicted")
	}
	if !exists(middle) {
		t.Error("Expected newer snapshot to be kept")
	}
	if !exists(upload) {
		t.Error("Expected uploads to be left alone")
	}
}

func TestRetentionPolicy_NoStore(t *testing.T) {
	policy := NewRetentionPolicy(nil, nil, logger.NewNopLogger())
	res, err := policy.Enforce(context.Background())
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if res.Expired != 0 || res.Evicted != 0 {
		t.Errorf("Expected empty result, got %+v", res)
	}
}
