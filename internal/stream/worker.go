package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/YousifYassi/prototype/internal/alerts"
	"github.com/YousifYassi/prototype/internal/capture"
	"github.com/YousifYassi/prototype/internal/detection"
	"github.com/YousifYassi/prototype/internal/logger"
)

// AlertSink accepts fired alerts without blocking
type AlertSink interface {
	Publish(a *alerts.Alert) bool
}

// WorkerConfig holds the tunables and collaborators of a Worker
type WorkerConfig struct {
	Opener               capture.Opener
	Alerts               AlertSink
	OpenTimeout          time.Duration
	RetryBackoff         time.Duration
	StopTimeout          time.Duration
	MaxConsecutiveErrors int
	JPEGQuality          int
	// OnStatus is called after every status transition
	OnStatus func(id string, status Status, lastError string)
}

func (c *WorkerConfig) setDefaults() {
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 30
	}
	if c.JPEGQuality <= 0 {
		c.JPEGQuality = 85
	}
}

var errWorkerDiscarded = errors.New("stream worker discarded")

// Worker owns one capture handle, one detector and the decode goroutine
// that reads from them. Lifecycle calls are serialized; the decode loop
// is the only writer of the runtime snapshot.
type Worker struct {
	desc     Descriptor
	detector *detection.Detector
	cfg      WorkerConfig
	logger   *logger.Logger

	lifecycle sync.Mutex
	source    capture.Source
	cancel    context.CancelFunc
	done      chan struct{}
	discarded bool

	statusMu  sync.RWMutex
	status    Status
	lastError string

	snapshot atomic.Pointer[Snapshot]
}

// NewWorker creates an inactive worker
func NewWorker(desc Descriptor, det *detection.Detector, cfg WorkerConfig, log *logger.Logger) *Worker {
	cfg.setDefaults()
	w := &Worker{
		desc:     desc,
		detector: det,
		cfg:      cfg,
		logger:   log.With("stream_id", desc.ID),
		status:   StatusInactive,
	}
	buffered, required := det.Progress()
	w.snapshot.Store(&Snapshot{Buffered: buffered, Required: required})
	return w
}

// ID returns the stream id
func (w *Worker) ID() string {
	return w.desc.ID
}

// Detector returns the worker's detector
func (w *Worker) Detector() *detection.Detector {
	return w.detector
}

// Status returns the lifecycle status and the last error message
func (w *Worker) Status() (Status, string) {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.status, w.lastError
}

// Snapshot returns the latest published runtime view. It never returns nil.
func (w *Worker) Snapshot() *Snapshot {
	return w.snapshot.Load()
}

// Start opens the source, verifies it yields a frame and launches the
// decode loop. On failure nothing stays open and the worker is in error.
func (w *Worker) Start(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.discarded {
		return errWorkerDiscarded
	}
	if w.cancel != nil {
		select {
		case <-w.done:
			// the loop gave up on its own; clear it before reopening
			w.cancel()
			_ = w.source.Close()
			w.cancel = nil
			w.source = nil
		default:
			return nil
		}
	}
	if w.done != nil {
		select {
		case <-w.done:
		default:
			return fmt.Errorf("previous decode loop of stream %s has not exited", w.desc.ID)
		}
	}

	openCtx, cancelOpen := context.WithTimeout(ctx, w.cfg.OpenTimeout)
	defer cancelOpen()

	src, err := w.cfg.Opener.Open(openCtx, w.desc.spec(w.cfg.OpenTimeout))
	if err != nil {
		openErr := capture.NewOpenError(w.desc.URI, err)
		w.setStatus(StatusError, openErr.Message())
		w.logger.Warn("Failed to open stream", "uri", capture.Redact(w.desc.URI), "error", err)
		return openErr
	}

	first, err := src.Read(openCtx)
	if err != nil {
		_ = src.Close()
		openErr := capture.NewOpenError(w.desc.URI, err)
		w.setStatus(StatusError, openErr.Message())
		w.logger.Warn("Stream opened but yielded no frame", "uri", capture.Redact(w.desc.URI), "error", err)
		return openErr
	}

	w.detector.Reset()
	buffered, required := w.detector.Progress()
	w.snapshot.Store(&Snapshot{Running: true, Buffered: buffered, Required: required})

	runCtx, cancel := context.WithCancel(context.Background())
	w.source = src
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(runCtx, src, first, w.done)

	w.setStatus(StatusActive, "")
	w.logger.Info("Stream started", "uri", capture.Redact(w.desc.URI), "info", src.Info())
	return nil
}

// Stop cancels the decode loop, waits for it up to the stop timeout and
// releases the capture handle even when the loop did not exit in time.
// Stop is idempotent.
func (w *Worker) Stop(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	return w.stopLocked(ctx)
}

// Discard stops the worker for good; later Starts fail
func (w *Worker) Discard(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	w.discarded = true
	return w.stopLocked(ctx)
}

func (w *Worker) stopLocked(ctx context.Context) error {
	if w.cancel == nil {
		w.setStatus(StatusInactive, "")
		return nil
	}

	w.cancel()
	timer := time.NewTimer(w.cfg.StopTimeout)
	defer timer.Stop()

	var joinErr error
	select {
	case <-w.done:
	case <-timer.C:
		joinErr = fmt.Errorf("decode loop of stream %s did not stop within %s", w.desc.ID, w.cfg.StopTimeout)
		w.logger.Warn("Decode loop did not stop in time", "timeout", w.cfg.StopTimeout)
	case <-ctx.Done():
		joinErr = fmt.Errorf("stop stream %s: %w", w.desc.ID, ctx.Err())
	}

	if err := w.source.Close(); err != nil {
		w.logger.Debug("Failed to close capture source", "error", err)
	}
	w.source = nil
	w.cancel = nil

	prev := w.snapshot.Load()
	stopped := *prev
	stopped.Running = false
	w.snapshot.Store(&stopped)

	w.setStatus(StatusInactive, "")
	w.logger.Info("Stream stopped")
	return joinErr
}

func (w *Worker) setStatus(status Status, lastError string) {
	w.statusMu.Lock()
	changed := w.status != status || w.lastError != lastError
	w.status = status
	w.lastError = lastError
	w.statusMu.Unlock()

	if changed && w.cfg.OnStatus != nil {
		w.cfg.OnStatus(w.desc.ID, status, lastError)
	}
}

// loopState is owned by the decode goroutine
type loopState struct {
	frames      int64
	errors      int64
	consecutive int
	skipped     int64
	fired       int64
	lastFrame   time.Time
	lastDetect  time.Time
	result      *detection.Result
	jpeg        []byte
}

func (w *Worker) run(ctx context.Context, src capture.Source, first *capture.Frame, done chan struct{}) {
	ls := &loopState{}

	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Decode loop panicked", "panic", r)
			w.publish(ls, false)
			w.setStatus(StatusError, fmt.Sprintf("decode loop panicked: %v", r))
			_ = src.Close()
		}
	}()

	var interval time.Duration
	if w.desc.FPS > 0 {
		interval = time.Second / time.Duration(w.desc.FPS)
	}

	frame := first
	for {
		if frame != nil {
			started := time.Now()
			w.process(ctx, ls, frame)
			if interval > 0 {
				if rest := interval - time.Since(started); rest > 0 && !sleep(ctx, rest) {
					return
				}
			}
		}
		if ctx.Err() != nil {
			return
		}

		next, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ls.errors++
			ls.consecutive++

			if ls.consecutive >= w.cfg.MaxConsecutiveErrors {
				msg := fmt.Sprintf("Failed to read frames from stream after %d consecutive errors: %s",
					ls.consecutive, capture.ErrorMessage(err))
				w.logger.Error("Stream failed", "error", err, "consecutive_errors", ls.consecutive)
				w.publish(ls, false)
				_ = src.Close()
				w.setStatus(StatusError, msg)
				return
			}
			w.publish(ls, true)
			w.logger.Debug("Frame read failed, retrying", "error", err, "consecutive_errors", ls.consecutive)
			if !sleep(ctx, w.cfg.RetryBackoff) {
				return
			}
			frame = nil
			continue
		}
		ls.consecutive = 0
		frame = next
	}
}

func (w *Worker) process(ctx context.Context, ls *loopState, frame *capture.Frame) {
	ls.frames++
	ls.lastFrame = time.Now()

	res, err := w.detector.Process(ctx, frame)
	if err != nil {
		ls.skipped++
		w.logger.Warn("Inference failed, skipping frame", "frame_index", frame.Index, "error", err)
	} else if res != nil {
		ls.result = res
		ls.lastDetect = ls.lastFrame
	}

	buffered, required := w.detector.Progress()
	var overlay *detection.Result
	if buffered >= required {
		overlay = ls.result
	}
	annotated := detection.Annotate(frame.Image, overlay, buffered, required, frame.Timestamp)
	jpg, err := detection.EncodeJPEG(annotated, w.cfg.JPEGQuality)
	if err != nil {
		w.logger.Warn("Failed to encode frame", "frame_index", frame.Index, "error", err)
	} else {
		ls.jpeg = jpg
	}

	if res != nil && res.AlertFired {
		ls.fired++
		a := alerts.NewAlert(alerts.SourceStream, w.desc.ID, w.detector.Project().ProjectID, res, jpg)
		a.SourceName = w.desc.Name
		if w.cfg.Alerts != nil && !w.cfg.Alerts.Publish(a) {
			w.logger.Debug("Alert not queued", "alert_id", a.ID)
		}
	}

	w.publish(ls, true)
}

// publish swaps in a new immutable snapshot built from the loop state
func (w *Worker) publish(ls *loopState, running bool) {
	buffered, required := w.detector.Progress()
	w.snapshot.Store(&Snapshot{
		Running:           running,
		FrameCount:        ls.frames,
		ErrorCount:        ls.errors,
		ConsecutiveErrors: ls.consecutive,
		SkippedInferences: ls.skipped,
		AlertsFired:       ls.fired,
		Buffered:          buffered,
		Required:          required,
		LastFrameTime:     ls.lastFrame,
		LastDetectionTime: ls.lastDetect,
		Result:            ls.result,
		JPEG:              ls.jpeg,
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
