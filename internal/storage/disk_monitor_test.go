package storage

import (
	"context"
	"testing"
)

func TestDiskMonitor_GetUsage(t *testing.T) {
	monitor := NewDiskMonitor(t.TempDir(), 80)

	usage, err := monitor.GetUsage(context.Background())
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage.TotalBytes <= 0 {
		t.Errorf("Expected positive total bytes, got %d", usage.TotalBytes)
	}
	if usage.UsagePercent < 0 || usage.UsagePercent > 100 {
		t.Errorf("Usage percent out of range: %.2f", usage.UsagePercent)
	}
}

func TestDiskMonitor_CachesReadings(t *testing.T) {
	monitor := NewDiskMonitor(t.TempDir(), 80)
	calls := 0
	monitor.statfs = func(string) (*DiskUsage, error) {
		calls++
		return &DiskUsage{TotalBytes: 100, UsedBytes: 90, UsagePercent: 90}, nil
	}

	ctx := context.Background()
	monitor.GetUsage(ctx)
	monitor.GetUsage(ctx)
	if calls != 1 {
		t.Errorf("Expected cached reading, statfs called %d times", calls)
	}

	monitor.Invalidate()
	full, err := monitor.IsDiskFull(ctx)
	if err != nil {
		t.Fatalf("IsDiskFull failed: %v", err)
	}
	if !full {
		t.Error("Expected disk to be reported full at 90%")
	}
	if calls != 2 {
		t.Errorf("Expected a fresh reading after Invalidate, got %d calls", calls)
	}
}

func TestDiskMonitor_DefaultCeiling(t *testing.T) {
	monitor := NewDiskMonitor(t.TempDir(), 0)
	if monitor.MaxUsagePercent() != 80 {
		t.Errorf("Expected default ceiling 80, got %.0f", monitor.MaxUsagePercent())
	}
}
