package health

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/YousifYassi/prototype/internal/storage"
	"github.com/YousifYassi/prototype/internal/stream"
)

func newCheck(name string) Check {
	return Check{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// Pinger is anything with a reachable backing database
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker checks database connectivity
type DatabaseChecker struct {
	db Pinger
}

func NewDatabaseChecker(db Pinger) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	if c.db == nil {
		check.Status = StatusDegraded
		check.Message = "Database not configured"
		return check
	}
	if err := c.db.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	return check
}

// InferenceProbe reports whether the model runtime answers
type InferenceProbe interface {
	HealthCheck(ctx context.Context) error
}

// InferenceChecker checks the inference service. It never reports
// unhealthy: streams keep running and count skipped inferences.
type InferenceChecker struct {
	probe InferenceProbe
	url   string
}

func NewInferenceChecker(probe InferenceProbe, url string) *InferenceChecker {
	return &InferenceChecker{probe: probe, url: url}
}

func (c *InferenceChecker) Name() string {
	return "inference"
}

func (c *InferenceChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["url"] = c.url

	if c.probe == nil {
		check.Status = StatusDegraded
		check.Message = "Inference service not configured"
		return check
	}
	if err := c.probe.HealthCheck(ctx); err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Inference service unreachable: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Inference service is reachable"
	return check
}

// FFmpegChecker verifies the ffmpeg binary when the ffmpeg backend is in use
type FFmpegChecker struct {
	path     string
	required bool
	lookPath func(string) (string, error)
}

func NewFFmpegChecker(path string, required bool) *FFmpegChecker {
	return &FFmpegChecker{path: path, required: required, lookPath: exec.LookPath}
}

func (c *FFmpegChecker) Name() string {
	return "ffmpeg"
}

func (c *FFmpegChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	resolved, err := c.lookPath(c.path)
	if err != nil {
		check.Message = fmt.Sprintf("ffmpeg not found: %v", err)
		if c.required {
			check.Status = StatusUnhealthy
		} else {
			check.Status = StatusHealthy
			check.Details["required"] = false
		}
		return check
	}

	check.Status = StatusHealthy
	check.Message = "ffmpeg available"
	check.Details["path"] = resolved
	return check
}

// StorageChecker checks the data directories and disk usage
type StorageChecker struct {
	dirs []string
	disk *storage.DiskMonitor
}

func NewStorageChecker(disk *storage.DiskMonitor, dirs ...string) *StorageChecker {
	return &StorageChecker{dirs: dirs, disk: disk}
}

func (c *StorageChecker) Name() string {
	return "storage"
}

func (c *StorageChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	for _, dir := range c.dirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("Directory %s is not accessible", dir)
			return check
		}
	}
	check.Details["dirs"] = c.dirs

	check.Status = StatusHealthy
	check.Message = "Storage directories accessible"

	if c.disk == nil {
		return check
	}
	usage, err := c.disk.GetUsage(ctx)
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Failed to read disk usage: %v", err)
		return check
	}
	check.Details["usage_percent"] = usage.UsagePercent
	check.Details["available_bytes"] = usage.AvailableBytes
	if usage.UsagePercent >= c.disk.MaxUsagePercent() {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Disk usage %.1f%% exceeds %.1f%%", usage.UsagePercent, c.disk.MaxUsagePercent())
	}
	return check
}

// StreamCounter reports how many streams are in each status
type StreamCounter interface {
	Counts() map[stream.Status]int
}

// StreamsChecker degrades when any stream is in error
type StreamsChecker struct {
	streams StreamCounter
}

func NewStreamsChecker(streams StreamCounter) *StreamsChecker {
	return &StreamsChecker{streams: streams}
}

func (c *StreamsChecker) Name() string {
	return "streams"
}

func (c *StreamsChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	counts := c.streams.Counts()
	for _, s := range []stream.Status{stream.StatusActive, stream.StatusInactive, stream.StatusError} {
		check.Details[string(s)] = counts[s]
	}

	if n := counts[stream.StatusError]; n > 0 {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d stream(s) in error", n)
		return check
	}
	check.Status = StatusHealthy
	check.Message = "All streams OK"
	return check
}
