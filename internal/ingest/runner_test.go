package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YousifYassi/prototype/internal/alerts"
	"github.com/YousifYassi/prototype/internal/capture"
	"github.com/YousifYassi/prototype/internal/classifier"
	"github.com/YousifYassi/prototype/internal/classifier/classifiertest"
	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/detection"
	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/policy"
	"github.com/YousifYassi/prototype/internal/registry"
	"github.com/YousifYassi/prototype/internal/state"
)

func newTestFactory(t *testing.T, classify func(m *classifier.Model) classifier.Classifier) *detection.Factory {
	t.Helper()
	dir := t.TempDir()
	classifiertest.WriteModel(t, dir, "safety_model_best", 16)
	if classify == nil {
		classify = func(m *classifier.Model) classifier.Classifier { return &classifiertest.RedClassifier{M: m} }
	}

	log := logger.NewNopLogger()
	return detection.NewFactory(registry.New(dir, ".yaml", log), classify, nil,
		config.DetectionConfig{BufferSize: 32, ConfidenceThreshold: 0.7, Cooldown: 30 * time.Second},
		1, log)
}

func newTestRunner(t *testing.T, opts RunnerOptions) *Runner {
	t.Helper()
	if opts.Opener == nil {
		opts.Opener = &capture.SyntheticOpener{}
	}
	if opts.Detectors == nil {
		opts.Detectors = newTestFactory(t, nil)
	}
	r := NewRunner(opts, logger.NewNopLogger())
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Stop(context.Background()) })
	return r
}

func waitJob(t *testing.T, job *Job) Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, job.Wait(ctx))
	return job.Report()
}

type memSink struct {
	mu     sync.Mutex
	alerts []*alerts.Alert
}

func (s *memSink) Publish(a *alerts.Alert) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return true
}

func TestRunner_UnsafeSegmentYieldsOneDetection(t *testing.T) {
	sink := &memSink{}
	r := newTestRunner(t, RunnerOptions{Alerts: sink})

	job, err := r.Submit(context.Background(), "synthetic://site.mp4?fps=30&frames=300&unsafe=100-110", policy.ProjectContext{})
	require.NoError(t, err)

	report := waitJob(t, job)
	assert.Equal(t, StatusUnsafeDetected, report.Status)
	assert.Equal(t, int64(300), report.FramesProcessed)
	require.Len(t, report.Detections, 1)

	d := report.Detections[0]
	assert.GreaterOrEqual(t, d.FrameIndex, int64(100))
	assert.LessOrEqual(t, d.FrameIndex, int64(110))
	assert.Equal(t, "no_hard_hat", d.Action)
	assert.InDelta(t, float64(d.FrameIndex)/30, d.Timestamp, 0.001)
	assert.NotNil(t, report.CompletedAt)

	require.Len(t, sink.alerts, 1)
	assert.Equal(t, alerts.SourceJob, sink.alerts[0].SourceType)
	assert.Equal(t, job.ID(), sink.alerts[0].SourceID)
	assert.NotEmpty(t, sink.alerts[0].Snapshot)
}

func TestRunner_SafeVideo(t *testing.T) {
	r := newTestRunner(t, RunnerOptions{})

	job, err := r.Submit(context.Background(), "synthetic://safe.mp4?frames=120", policy.ProjectContext{})
	require.NoError(t, err)

	report := waitJob(t, job)
	assert.Equal(t, StatusSafe, report.Status)
	assert.NotNil(t, report.Detections)
	assert.Empty(t, report.Detections)
	assert.Empty(t, report.Error)
}

func TestRunner_ShortVideoIsSafe(t *testing.T) {
	r := newTestRunner(t, RunnerOptions{})

	// fewer frames than one clip never reaches the classifier
	job, err := r.Submit(context.Background(), "synthetic://short.mp4?frames=5&unsafe=0-4", policy.ProjectContext{})
	require.NoError(t, err)
	assert.Equal(t, StatusSafe, waitJob(t, job).Status)
}

func TestRunner_OpenFailureRecordsError(t *testing.T) {
	r := newTestRunner(t, RunnerOptions{
		Opener: &capture.SyntheticOpener{OpenErr: errors.New("no such file or directory")},
	})

	job, err := r.Submit(context.Background(), "/videos/missing.mp4", policy.ProjectContext{})
	require.NoError(t, err)

	report := waitJob(t, job)
	assert.Equal(t, StatusError, report.Status)
	assert.Contains(t, report.Error, "no such file or directory")
}

func TestRunner_InferenceFailureRecordsError(t *testing.T) {
	factory := newTestFactory(t, func(m *classifier.Model) classifier.Classifier {
		return &classifiertest.RedClassifier{M: m, Err: errors.New("inference service unavailable")}
	})
	r := newTestRunner(t, RunnerOptions{Detectors: factory})

	job, err := r.Submit(context.Background(), "synthetic://a.mp4?frames=40", policy.ProjectContext{})
	require.NoError(t, err)

	report := waitJob(t, job)
	assert.Equal(t, StatusError, report.Status)
	assert.Contains(t, report.Error, "inference service unavailable")
}

type panickingFactory struct{}

func (panickingFactory) New(project policy.ProjectContext) (*detection.Detector, error) {
	panic("model exploded")
}

func TestRunner_PanicRecordsError(t *testing.T) {
	r := newTestRunner(t, RunnerOptions{Detectors: panickingFactory{}})

	job, err := r.Submit(context.Background(), "synthetic://a.mp4", policy.ProjectContext{})
	require.NoError(t, err)

	report := waitJob(t, job)
	assert.Equal(t, StatusError, report.Status)
	assert.Contains(t, report.Error, "model exploded")
}

func TestRunner_MissingModelRecordsError(t *testing.T) {
	log := logger.NewNopLogger()
	factory := detection.NewFactory(registry.New(t.TempDir(), ".yaml", log),
		func(m *classifier.Model) classifier.Classifier { return &classifiertest.RedClassifier{M: m} },
		nil, config.DetectionConfig{BufferSize: 32}, 1, log)
	r := newTestRunner(t, RunnerOptions{Detectors: factory})

	job, err := r.Submit(context.Background(), "synthetic://a.mp4", policy.ProjectContext{})
	require.NoError(t, err)

	report := waitJob(t, job)
	assert.Equal(t, StatusError, report.Status)
	assert.Contains(t, report.Error, "no model")
}

func TestRunner_SubmitValidates(t *testing.T) {
	r := newTestRunner(t, RunnerOptions{})

	_, err := r.Submit(context.Background(), "  ", policy.ProjectContext{})
	assert.Error(t, err)

	_, err = r.Submit(context.Background(), "video.mp4", policy.ProjectContext{MinSeverity: 7})
	assert.Error(t, err)
}

func TestRunner_BoundedConcurrency(t *testing.T) {
	r := newTestRunner(t, RunnerOptions{MaxConcurrent: 1})

	var jobs []*Job
	for i := 0; i < 3; i++ {
		job, err := r.Submit(context.Background(), "synthetic://a.mp4?frames=60", policy.ProjectContext{})
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	for _, job := range jobs {
		assert.Equal(t, StatusSafe, waitJob(t, job).Status)
	}

	reports, err := r.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, reports, 3)
	assert.Equal(t, 0, r.Active())
}

type blockingSource struct {
	closed chan struct{}
	once   sync.Once
}

func (s *blockingSource) Read(ctx context.Context) (*capture.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, capture.ErrClosed
	}
}

func (s *blockingSource) Info() capture.Info { return capture.Info{Backend: "blocking"} }

func (s *blockingSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestRunner_StopInterruptsRunningJobs(t *testing.T) {
	opened := make(chan struct{}, 1)
	opener := capture.OpenerFunc(func(ctx context.Context, spec capture.Spec) (capture.Source, error) {
		opened <- struct{}{}
		return &blockingSource{closed: make(chan struct{})}, nil
	})
	r := NewRunner(RunnerOptions{Opener: opener, Detectors: newTestFactory(t, nil)}, logger.NewNopLogger())
	require.NoError(t, r.Start(context.Background()))

	job, err := r.Submit(context.Background(), "rtsp-recording.mp4", policy.ProjectContext{})
	require.NoError(t, err)
	<-opened

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))

	report := job.Report()
	assert.Equal(t, StatusError, report.Status)
	assert.Equal(t, reasonShutdown, report.Error)

	_, err = r.Submit(context.Background(), "late.mp4", policy.ProjectContext{})
	assert.ErrorIs(t, err, ErrRunnerStopped)
}

func TestRunner_SubmitRacingStopLeavesNoJobBehind(t *testing.T) {
	r := NewRunner(RunnerOptions{Opener: &capture.SyntheticOpener{}, Detectors: newTestFactory(t, nil)}, logger.NewNopLogger())
	require.NoError(t, r.Start(context.Background()))

	var mu sync.Mutex
	var jobs []*Job
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				job, err := r.Submit(context.Background(), "synthetic://site.mp4?frames=50", policy.ProjectContext{})
				if err != nil {
					assert.ErrorIs(t, err, ErrRunnerStopped)
					return
				}
				mu.Lock()
				jobs = append(jobs, job)
				mu.Unlock()
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
	wg.Wait()

	// Stop waited for every job it did not refuse
	for _, job := range jobs {
		assert.True(t, job.Status().Terminal(), "job %s ended in %s", job.ID(), job.Status())
	}
}

func TestRunner_PersistsJobs(t *testing.T) {
	store, err := state.NewManager(filepath.Join(t.TempDir(), "safety.db"), nil, logger.NewNopLogger())
	require.NoError(t, err)
	defer store.Close()

	// a job left processing by a previous process
	started := time.Now()
	require.NoError(t, store.SaveJob(context.Background(), state.JobRecord{
		ID: "stale", VideoPath: "old.mp4", Status: state.JobStatusProcessing, StartedAt: &started,
	}))

	r := newTestRunner(t, RunnerOptions{Store: store})

	stale, err := r.Get(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, StatusError, stale.Status)
	assert.Equal(t, reasonRestart, stale.Error)

	job, err := r.Submit(context.Background(), "synthetic://site.mp4?frames=300&unsafe=100-110", policy.ProjectContext{ProjectID: "p1"})
	require.NoError(t, err)
	waitJob(t, job)

	report, err := r.Get(context.Background(), job.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusUnsafeDetected, report.Status)
	require.Len(t, report.Detections, 1)
	assert.Equal(t, "p1", report.Project.ProjectID)

	_, err = r.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	reports, err := r.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, reports, 2)
}
