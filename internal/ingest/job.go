// Package ingest runs batch detection over recorded video files.
package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/YousifYassi/prototype/internal/policy"
	"github.com/YousifYassi/prototype/internal/state"
)

// Status is the state of a job
type Status string

const (
	StatusQueued         Status = state.JobStatusQueued
	StatusProcessing     Status = state.JobStatusProcessing
	StatusSafe           Status = "safe"
	StatusUnsafeDetected Status = "unsafe_detected"
	StatusError          Status = state.JobStatusError
)

// Terminal reports whether no further transition can happen
func (s Status) Terminal() bool {
	return s == StatusSafe || s == StatusUnsafeDetected || s == StatusError
}

// Detection is one fired alert of a job
type Detection struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Severity   int     `json:"severity,omitempty"`
	Regulation string  `json:"regulation,omitempty"`
	FrameIndex int64   `json:"frame_index"`
	// Timestamp is seconds into the video
	Timestamp float64 `json:"timestamp"`
}

// Report is a point-in-time view of a job
type Report struct {
	ID              string                `json:"id"`
	VideoPath       string                `json:"video_path"`
	Status          Status                `json:"status"`
	Project         policy.ProjectContext `json:"project"`
	Detections      []Detection           `json:"detections"`
	TotalDetections int                   `json:"total_detections"`
	FramesProcessed int64                 `json:"frames_processed"`
	Error           string                `json:"error,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

// Job is a submitted batch job
type Job struct {
	id        string
	videoPath string
	project   policy.ProjectContext
	createdAt time.Time
	done      chan struct{}

	mu          sync.RWMutex
	status      Status
	detections  []Detection
	frames      int64
	errText     string
	startedAt   *time.Time
	completedAt *time.Time
}

func newJob(id, videoPath string, project policy.ProjectContext) *Job {
	return &Job{
		id:         id,
		videoPath:  videoPath,
		project:    project,
		createdAt:  time.Now(),
		done:       make(chan struct{}),
		status:     StatusQueued,
		detections: []Detection{},
	}
}

// ID returns the job id
func (j *Job) ID() string {
	return j.id
}

// Status returns the current status
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Done is closed once the job reaches a terminal status
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx is done
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Report returns a copy of the job's state
func (j *Job) Report() Report {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Report{
		ID:              j.id,
		VideoPath:       j.videoPath,
		Status:          j.status,
		Project:         j.project,
		Detections:      append([]Detection{}, j.detections...),
		TotalDetections: len(j.detections),
		FramesProcessed: j.frames,
		Error:           j.errText,
		CreatedAt:       j.createdAt,
		StartedAt:       j.startedAt,
		CompletedAt:     j.completedAt,
	}
}

func (j *Job) markProcessing() {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	j.status = StatusProcessing
	j.startedAt = &now
}

func (j *Job) addDetection(d Detection) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.detections = append(j.detections, d)
}

func (j *Job) setFrames(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.frames = n
}

// finish moves the job to a terminal status once; later calls are ignored
func (j *Job) finish(status Status, errText string) bool {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return false
	}
	now := time.Now()
	j.status = status
	j.errText = errText
	j.completedAt = &now
	j.mu.Unlock()

	close(j.done)
	return true
}

func (j *Job) toRecord() state.JobRecord {
	r := j.Report()
	detections, _ := json.Marshal(r.Detections)
	return state.JobRecord{
		ID:              r.ID,
		VideoPath:       r.VideoPath,
		Status:          string(r.Status),
		Project:         r.Project,
		Detections:      detections,
		FramesProcessed: r.FramesProcessed,
		Error:           r.Error,
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}
}

func reportFromRecord(rec state.JobRecord) Report {
	r := Report{
		ID:              rec.ID,
		VideoPath:       rec.VideoPath,
		Status:          Status(rec.Status),
		Project:         rec.Project,
		Detections:      []Detection{},
		FramesProcessed: rec.FramesProcessed,
		Error:           rec.Error,
		CreatedAt:       rec.CreatedAt,
		StartedAt:       rec.StartedAt,
		CompletedAt:     rec.CompletedAt,
	}
	if len(rec.Detections) > 0 {
		_ = json.Unmarshal(rec.Detections, &r.Detections)
	}
	r.TotalDetections = len(r.Detections)
	return r
}
