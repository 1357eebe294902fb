package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// DiskUsage describes the filesystem holding the data directory
type DiskUsage struct {
	TotalBytes     int64   `json:"total_bytes"`
	UsedBytes      int64   `json:"used_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	UsagePercent   float64 `json:"usage_percent"`
}

// DiskMonitor reports filesystem usage, cached for a short period
type DiskMonitor struct {
	path            string
	maxUsagePercent float64
	cacheDuration   time.Duration

	mu        sync.RWMutex
	lastCheck time.Time
	cached    *DiskUsage
	statfs    func(path string) (*DiskUsage, error)
}

// NewDiskMonitor creates a disk monitor for path
func NewDiskMonitor(path string, maxUsagePercent float64) *DiskMonitor {
	if maxUsagePercent <= 0 {
		maxUsagePercent = 80
	}
	return &DiskMonitor{
		path:            path,
		maxUsagePercent: maxUsagePercent,
		cacheDuration:   30 * time.Second,
		statfs:          statfs,
	}
}

// MaxUsagePercent returns the configured ceiling
func (d *DiskMonitor) MaxUsagePercent() float64 {
	return d.maxUsagePercent
}

// GetUsage returns current disk usage
func (d *DiskMonitor) GetUsage(ctx context.Context) (*DiskUsage, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.lastCheck) < d.cacheDuration {
		usage := *d.cached
		d.mu.RUnlock()
		return &usage, nil
	}
	d.mu.RUnlock()

	usage, err := d.statfs(d.path)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cached = usage
	d.lastCheck = time.Now()
	d.mu.Unlock()

	copied := *usage
	return &copied, nil
}

// Invalidate drops the cached reading
func (d *DiskMonitor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

// IsDiskFull reports whether usage is at or above the ceiling
func (d *DiskMonitor) IsDiskFull(ctx context.Context) (bool, error) {
	usage, err := d.GetUsage(ctx)
	if err != nil {
		return false, err
	}
	return usage.UsagePercent >= d.maxUsagePercent, nil
}

func statfs(path string) (*DiskUsage, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(absPath, &stat); err != nil {
		return nil, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	total := int64(stat.Blocks) * int64(stat.Bsize)
	available := int64(stat.Bavail) * int64(stat.Bsize)
	used := total - available

	usage := &DiskUsage{TotalBytes: total, UsedBytes: used, AvailableBytes: available}
	if total > 0 {
		usage.UsagePercent = float64(used) / float64(total) * 100
	}
	return usage, nil
}
