package storage

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/state"
)

// MediaStore tracks files subject to retention
type MediaStore interface {
	TrackMediaFile(ctx context.Context, f state.MediaFile) error
	ListExpiredMedia(ctx context.Context, now time.Time) ([]state.MediaFile, error)
	ListOldestMedia(ctx context.Context, fileType string, limit int) ([]state.MediaFile, error)
	DeleteMediaFile(ctx context.Context, path string) error
	MediaUsage(ctx context.Context, fileType string) (count int, bytes int64, err error)
}

// RetentionResult summarizes one enforcement pass
type RetentionResult struct {
	Expired int `json:"expired"`
	Evicted int `json:"evicted"`
}

// RetentionPolicy deletes expired media and, when the disk is over its
// ceiling, the oldest snapshots.
type RetentionPolicy struct {
	store      MediaStore
	disk       *DiskMonitor
	logger     *logger.Logger
	batchSize  int
	maxBatches int
	enforcing  atomic.Bool
}

// NewRetentionPolicy creates a retention policy
func NewRetentionPolicy(store MediaStore, disk *DiskMonitor, log *logger.Logger) *RetentionPolicy {
	return &RetentionPolicy{
		store:      store,
		disk:       disk,
		logger:     log,
		batchSize:  20,
		maxBatches: 10,
	}
}

// Enforce runs one pass
func (r *RetentionPolicy) Enforce(ctx context.Context) (RetentionResult, error) {
	var res RetentionResult
	if r.store == nil {
		return res, nil
	}
	if !r.enforcing.CompareAndSwap(false, true) {
		return res, fmt.Errorf("retention is already being enforced")
	}
	defer r.enforcing.Store(false)

	expired, err := r.store.ListExpiredMedia(ctx, time.Now())
	if err != nil {
		return res, err
	}
	for _, f := range expired {
		if r.remove(ctx, f) {
			res.Expired++
		}
	}

	if r.disk != nil {
		evicted, err := r.freeDiskSpace(ctx)
		res.Evicted = evicted
		if err != nil {
			return res, err
		}
	}

	if res.Expired > 0 || res.Evicted > 0 {
		r.logger.Info("Retention enforced", "expired", res.Expired, "evicted", res.Evicted)
	}
	return res, nil
}

func (r *RetentionPolicy) freeDiskSpace(ctx context.Context) (int, error) {
	evicted := 0
	for batch := 0; batch < r.maxBatches; batch++ {
		r.disk.Invalidate()
		full, err := r.disk.IsDiskFull(ctx)
		if err != nil {
			return evicted, err
		}
		if !full {
			return evicted, nil
		}

		files, err := r.store.ListOldestMedia(ctx, FileTypeSnapshot, r.batchSize)
		if err != nil {
			return evicted, err
		}
		if len(files) == 0 {
			r.logger.Warn("Disk is full and no snapshots are left to evict")
			return evicted, nil
		}
		for _, f := range files {
			if r.remove(ctx, f) {
				evicted++
			}
		}
	}
	return evicted, nil
}

func (r *RetentionPolicy) remove(ctx context.Context, f state.MediaFile) bool {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("Failed to delete file", "path", f.Path, "error", err)
		return false
	}
	if err := r.store.DeleteMediaFile(ctx, f.Path); err != nil {
		r.logger.Warn("Failed to forget media file", "path", f.Path, "error", err)
	}
	return true
}
