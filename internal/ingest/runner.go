package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/YousifYassi/prototype/internal/alerts"
	"github.com/YousifYassi/prototype/internal/capture"
	"github.com/YousifYassi/prototype/internal/detection"
	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/policy"
	"github.com/YousifYassi/prototype/internal/service"
	"github.com/YousifYassi/prototype/internal/state"
)

// ErrJobNotFound is returned for unknown job ids
var ErrJobNotFound = errors.New("job not found")

// ErrRunnerStopped is returned by Submit once Stop has been called
var ErrRunnerStopped = errors.New("ingest runner is stopped")

const (
	reasonShutdown = "interrupted by shutdown"
	reasonRestart  = "interrupted by restart"
)

// DetectorFactory builds a detector for a project
type DetectorFactory interface {
	New(project policy.ProjectContext) (*detection.Detector, error)
}

// AlertSink accepts fired alerts without blocking
type AlertSink interface {
	Publish(a *alerts.Alert) bool
}

// Store persists job records
type Store interface {
	SaveJob(ctx context.Context, j state.JobRecord) error
	GetJob(ctx context.Context, id string) (*state.JobRecord, error)
	ListJobs(ctx context.Context, limit int) ([]state.JobRecord, error)
	MarkInterruptedJobs(ctx context.Context, reason string) (int64, error)
}

// RunnerOptions wires a Runner
type RunnerOptions struct {
	MaxConcurrent int
	OpenTimeout   time.Duration
	JPEGQuality   int
	Opener        capture.Opener
	Detectors     DetectorFactory
	// Alerts and Store are optional
	Alerts AlertSink
	Store  Store
}

// Runner executes jobs in the background with bounded concurrency
type Runner struct {
	*service.ServiceBase
	opts RunnerOptions

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	// mu guards jobs and orders wg.Add in Submit before cancel in Stop
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewRunner creates a job runner
func NewRunner(opts RunnerOptions, log *logger.Logger) *Runner {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 85
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		ServiceBase: service.NewServiceBase("ingest-runner", log.With("component", "ingest")),
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		sem:         make(chan struct{}, opts.MaxConcurrent),
		jobs:        make(map[string]*Job),
	}
}

// Start fails jobs a previous process left unfinished
func (r *Runner) Start(ctx context.Context) error {
	r.GetStatus().SetStatus(service.StatusStarting)
	if r.opts.Store != nil {
		n, err := r.opts.Store.MarkInterruptedJobs(ctx, reasonRestart)
		if err != nil {
			r.GetStatus().SetError(err)
			return err
		}
		if n > 0 {
			r.LogWarn("Marked interrupted jobs as failed", "count", n)
		}
	}
	r.GetStatus().SetStatus(service.StatusRunning)
	r.LogInfo("Ingest runner started", "max_concurrent", r.opts.MaxConcurrent)
	return nil
}

// Stop cancels running jobs and waits for them to record their status
func (r *Runner) Stop(ctx context.Context) error {
	r.GetStatus().SetStatus(service.StatusStopping)
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("ingest runner stop: %w", ctx.Err())
	}

	r.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// Submit queues a job and returns immediately
func (r *Runner) Submit(ctx context.Context, videoPath string, project policy.ProjectContext) (*Job, error) {
	videoPath = strings.TrimSpace(videoPath)
	if videoPath == "" {
		return nil, errors.New("video path is required")
	}
	if err := project.Validate(); err != nil {
		return nil, err
	}

	job := newJob(uuid.New().String(), videoPath, project)

	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return nil, ErrRunnerStopped
	}
	r.jobs[job.id] = job
	r.wg.Add(1)
	r.mu.Unlock()

	r.persist(ctx, job)
	r.PublishEvent(service.EventTypeJobQueued, map[string]interface{}{
		"job_id":     job.id,
		"video_path": videoPath,
	})

	go r.run(job)

	r.LogInfo("Job queued", "job_id", job.id, "video_path", videoPath)
	return job, nil
}

// Get returns the report of a job
func (r *Runner) Get(ctx context.Context, id string) (Report, error) {
	r.mu.RLock()
	job, ok := r.jobs[id]
	r.mu.RUnlock()
	if ok {
		return job.Report(), nil
	}

	if r.opts.Store != nil {
		rec, err := r.opts.Store.GetJob(ctx, id)
		if err != nil {
			return Report{}, err
		}
		if rec != nil {
			return reportFromRecord(*rec), nil
		}
	}
	return Report{}, ErrJobNotFound
}

// List returns the most recent jobs, newest first
func (r *Runner) List(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 50
	}
	if r.opts.Store != nil {
		recs, err := r.opts.Store.ListJobs(ctx, limit)
		if err != nil {
			return nil, err
		}
		return lo.Map(recs, func(rec state.JobRecord, _ int) Report { return reportFromRecord(rec) }), nil
	}

	r.mu.RLock()
	reports := lo.Map(lo.Values(r.jobs), func(j *Job, _ int) Report { return j.Report() })
	r.mu.RUnlock()

	sort.Slice(reports, func(i, j int) bool { return reports[i].CreatedAt.After(reports[j].CreatedAt) })
	if len(reports) > limit {
		reports = reports[:limit]
	}
	return reports, nil
}

// Active returns the number of jobs not yet finished
func (r *Runner) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.CountBy(lo.Values(r.jobs), func(j *Job) bool { return !j.Status().Terminal() })
}

func (r *Runner) run(job *Job) {
	defer r.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			r.complete(job, StatusError, fmt.Sprintf("job panicked: %v", p))
		}
	}()

	select {
	case r.sem <- struct{}{}:
	case <-r.ctx.Done():
		r.complete(job, StatusError, reasonShutdown)
		return
	}
	defer func() { <-r.sem }()

	job.markProcessing()
	r.persist(r.ctx, job)
	r.PublishEvent(service.EventTypeJobStarted, map[string]interface{}{"job_id": job.id})

	status, err := r.process(r.ctx, job)
	if err != nil {
		if r.ctx.Err() != nil {
			r.complete(job, StatusError, reasonShutdown)
			return
		}
		r.complete(job, StatusError, err.Error())
		return
	}
	r.complete(job, status, "")
}

// process runs every frame of the video through a fresh detector
func (r *Runner) process(ctx context.Context, job *Job) (Status, error) {
	det, err := r.opts.Detectors.New(job.project)
	if err != nil {
		return "", err
	}

	openCtx := ctx
	if r.opts.OpenTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, r.opts.OpenTimeout)
		defer cancel()
	}
	src, err := r.opts.Opener.Open(openCtx, capture.Spec{Kind: capture.KindFile, URI: job.videoPath, Timeout: r.opts.OpenTimeout})
	if err != nil {
		return "", fmt.Errorf("failed to open video: %w", err)
	}
	defer src.Close()

	var frames int64
	for {
		frame, err := src.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to decode frame %d: %w", frames, err)
		}
		frames++

		res, err := det.Process(ctx, frame)
		if err != nil {
			return "", err
		}
		if frames%100 == 0 {
			job.setFrames(frames)
		}
		if res == nil || !res.AlertFired {
			continue
		}

		d := Detection{
			Action:     res.Label,
			Confidence: res.Confidence,
			Severity:   res.Severity,
			FrameIndex: res.FrameIndex,
			Timestamp:  res.Offset.Seconds(),
		}
		if res.Regulation != nil {
			d.Regulation = res.Regulation.Code
		}
		job.addDetection(d)
		r.LogInfo("Unsafe action detected in video", "job_id", job.id, "action", d.Action, "frame_index", d.FrameIndex)
		r.publishAlert(job, frame, res)
	}
	job.setFrames(frames)

	if len(job.Report().Detections) > 0 {
		return StatusUnsafeDetected, nil
	}
	return StatusSafe, nil
}

func (r *Runner) publishAlert(job *Job, frame *capture.Frame, res *detection.Result) {
	if r.opts.Alerts == nil {
		return
	}
	snapshot, err := detection.EncodeJPEG(detection.Annotate(frame.Image, res, 0, 0, frame.Timestamp), r.opts.JPEGQuality)
	if err != nil {
		r.LogWarn("Failed to encode alert snapshot", "job_id", job.id, "error", err)
	}
	a := alerts.NewAlert(alerts.SourceJob, job.id, job.project.ProjectID, res, snapshot)
	a.SourceName = job.videoPath
	r.opts.Alerts.Publish(a)
}

func (r *Runner) complete(job *Job, status Status, errText string) {
	if !job.finish(status, errText) {
		return
	}
	// the runner context may already be cancelled
	r.persist(context.Background(), job)

	report := job.Report()
	if status == StatusError {
		r.LogWarn("Job failed", "job_id", job.id, "error", errText)
	} else {
		r.LogInfo("Job completed", "job_id", job.id, "status", status,
			"frames", report.FramesProcessed, "detections", report.TotalDetections)
	}
	r.PublishEvent(service.EventTypeJobCompleted, map[string]interface{}{
		"job_id":     job.id,
		"status":     string(status),
		"detections": report.TotalDetections,
	})

	if r.opts.Store != nil {
		r.mu.Lock()
		delete(r.jobs, job.id)
		r.mu.Unlock()
	}
}

func (r *Runner) persist(ctx context.Context, job *Job) {
	if r.opts.Store == nil {
		return
	}
	if err := r.opts.Store.SaveJob(ctx, job.toRecord()); err != nil {
		r.LogError("Failed to persist job", err, "job_id", job.id)
	}
}
