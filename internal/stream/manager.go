package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/YousifYassi/prototype/internal/alerts"
	"github.com/YousifYassi/prototype/internal/capture"
	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/detection"
	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/policy"
	"github.com/YousifYassi/prototype/internal/service"
	"github.com/YousifYassi/prototype/internal/state"
)

// FrameFormat selects the encoding GetFrame returns
type FrameFormat string

const (
	FormatJPEG   FrameFormat = "jpeg"
	FormatBase64 FrameFormat = "base64"
)

// DetectorFactory builds a detector for a project
type DetectorFactory interface {
	New(project policy.ProjectContext) (*detection.Detector, error)
}

// AlertDispatcher queues alerts and fans them out to handlers
type AlertDispatcher interface {
	AlertSink
	AddHandler(h alerts.Handler)
}

// Store persists stream descriptors
type Store interface {
	SaveStream(ctx context.Context, s state.StreamRecord) error
	UpdateStreamStatus(ctx context.Context, id, status, lastError string) error
	DeleteStream(ctx context.Context, id string) error
	ListStreams(ctx context.Context, enabledOnly bool) ([]state.StreamRecord, error)
}

// ManagerOptions wires a Manager
type ManagerOptions struct {
	Streams     config.StreamsConfig
	OpenTimeout time.Duration
	JPEGQuality int
	Opener      capture.Opener
	Detectors   DetectorFactory
	Dispatcher  AlertDispatcher
	// Store is optional; without it streams live only in memory
	Store Store
}

// entry is immutable once stored; changes replace it under mu
type entry struct {
	desc   Descriptor
	worker *Worker
}

// Manager is the registry of streams. The map is guarded by mu; worker
// lifecycle calls happen outside of it. persistMu orders descriptor writes
// to the store.
type Manager struct {
	*service.ServiceBase
	opts ManagerOptions

	mu      sync.RWMutex
	entries map[string]*entry

	persistMu sync.Mutex
}

// NewManager creates a stream manager
func NewManager(opts ManagerOptions, log *logger.Logger) *Manager {
	if opts.Streams.DefaultFPS <= 0 {
		opts.Streams.DefaultFPS = 5
	}
	return &Manager{
		ServiceBase: service.NewServiceBase("stream-manager", log.With("component", "stream-manager")),
		opts:        opts,
		entries:     make(map[string]*entry),
	}
}

// Start restores enabled streams from the store
func (m *Manager) Start(ctx context.Context) error {
	m.GetStatus().SetStatus(service.StatusStarting)

	if m.opts.Streams.Restore && m.opts.Store != nil {
		if err := m.restore(ctx); err != nil {
			m.GetStatus().SetError(err)
			return err
		}
	}

	m.GetStatus().SetStatus(service.StatusRunning)
	m.LogInfo("Stream manager started", "streams", len(m.List()))
	return nil
}

// Stop stops every worker
func (m *Manager) Stop(ctx context.Context) error {
	m.GetStatus().SetStatus(service.StatusStopping)
	m.StopAll(ctx)
	m.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

func (m *Manager) restore(ctx context.Context) error {
	records, err := m.opts.Store.ListStreams(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to list streams: %w", err)
	}

	for _, rec := range records {
		desc := descriptorFromRecord(rec)
		w, err := m.newWorker(desc)
		if err != nil {
			m.LogError("Failed to restore stream", err, "stream_id", desc.ID)
			continue
		}

		m.mu.Lock()
		m.entries[desc.ID] = &entry{desc: desc, worker: w}
		m.mu.Unlock()

		if desc.Enabled {
			if err := w.Start(ctx); err != nil {
				m.LogWarn("Restored stream failed to start", "stream_id", desc.ID, "error", err)
			}
		}
		m.LogInfo("Restored stream", "stream_id", desc.ID, "name", desc.Name, "enabled", desc.Enabled)
	}
	return nil
}

// ValidateDescriptor checks kind, URI and project of d
func ValidateDescriptor(d Descriptor) error {
	kind, err := capture.ParseKind(string(d.Kind))
	if err != nil {
		return err
	}
	if kind == capture.KindFile {
		return fmt.Errorf("files are processed as jobs, not streams")
	}
	if err := capture.ValidateSource(kind, d.URI); err != nil {
		return err
	}
	if d.FPS < 0 {
		return fmt.Errorf("fps must be >= 0, got %d", d.FPS)
	}
	return d.Project.Validate()
}

// Add registers and starts a stream. A duplicate id returns false and
// ErrStreamExists. A stream that registered but failed to start returns
// true with the classified start error and stays listed in error.
func (m *Manager) Add(ctx context.Context, desc Descriptor) (bool, error) {
	if desc.ID == "" {
		desc.ID = uuid.New().String()
	}
	desc.Kind = capture.Kind(strings.ToLower(string(desc.Kind)))
	if desc.FPS == 0 {
		desc.FPS = m.opts.Streams.DefaultFPS
	}
	if desc.Name == "" {
		desc.Name = desc.ID
	}
	if err := ValidateDescriptor(desc); err != nil {
		return false, err
	}

	m.mu.RLock()
	_, exists := m.entries[desc.ID]
	count := len(m.entries)
	m.mu.RUnlock()
	if exists {
		return false, ErrStreamExists
	}
	if max := m.opts.Streams.MaxStreams; max > 0 && count >= max {
		return false, ErrTooManyStreams
	}

	now := time.Now()
	desc.Enabled = true
	desc.Status = StatusInactive
	desc.CreatedAt = now
	desc.UpdatedAt = now

	w, err := m.newWorker(desc)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	if _, exists := m.entries[desc.ID]; exists {
		m.mu.Unlock()
		return false, ErrStreamExists
	}
	m.entries[desc.ID] = &entry{desc: desc, worker: w}
	m.mu.Unlock()

	m.persist(ctx, desc.ID)
	m.PublishEvent(service.EventTypeStreamAdded, map[string]interface{}{
		"stream_id": desc.ID,
		"name":      desc.Name,
		"kind":      string(desc.Kind),
	})

	if err := w.Start(ctx); err != nil {
		if errors.Is(err, errWorkerDiscarded) {
			return true, ErrStreamNotFound
		}
		return true, err
	}
	return true, nil
}

// Remove stops and discards a stream. An unknown id returns false.
func (m *Manager) Remove(ctx context.Context, id string) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	if err := e.worker.Discard(ctx); err != nil {
		m.LogWarn("Stream did not stop cleanly", "stream_id", id, "error", err)
	}
	m.unpersist(ctx, id)
	m.PublishEvent(service.EventTypeStreamRemoved, map[string]interface{}{"stream_id": id})
	return true
}

// Get returns a copy of the descriptor with live status merged in
func (m *Manager) Get(id string) (Descriptor, bool) {
	e := m.entry(id)
	if e == nil {
		return Descriptor{}, false
	}
	return m.view(e), true
}

// List returns all streams ordered by creation time
func (m *Manager) List() []Descriptor {
	m.mu.RLock()
	entries := lo.Values(m.entries)
	m.mu.RUnlock()

	out := lo.Map(entries, func(e *entry, _ int) Descriptor { return m.view(e) })
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetFrame returns the latest annotated frame of a stream
func (m *Manager) GetFrame(id string, format FrameFormat) ([]byte, error) {
	e := m.entry(id)
	if e == nil {
		return nil, ErrStreamNotFound
	}
	snap := e.worker.Snapshot()
	if len(snap.JPEG) == 0 {
		return nil, ErrFrameUnavailable
	}

	switch format {
	case FormatJPEG, "":
		return snap.JPEG, nil
	case FormatBase64:
		return []byte(base64.StdEncoding.EncodeToString(snap.JPEG)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// Status reports the runtime status of a stream
func (m *Manager) Status(id string) (RuntimeStatus, error) {
	e := m.entry(id)
	if e == nil {
		return RuntimeStatus{}, ErrStreamNotFound
	}

	status, lastErr := e.worker.Status()
	snap := e.worker.Snapshot()
	det := e.worker.Detector()
	return RuntimeStatus{
		ID:                id,
		Status:            status,
		LastError:         lastErr,
		FrameCount:        snap.FrameCount,
		ErrorCount:        snap.ErrorCount,
		SkippedInferences: snap.SkippedInferences,
		AlertsFired:       snap.AlertsFired,
		Buffered:          snap.Buffered,
		Required:          snap.Required,
		LastFrameTime:     timeOrNil(snap.LastFrameTime),
		LastDetectionTime: timeOrNil(snap.LastDetectionTime),
		CurrentResult:     snap.Result,
		Model:             det.Model().Name,
		ModelKind:         string(det.Resolution().Kind),
	}, nil
}

// StartStream starts a registered stream and marks it enabled
func (m *Manager) StartStream(ctx context.Context, id string) error {
	e := m.entry(id)
	if e == nil {
		return ErrStreamNotFound
	}
	m.setEnabled(ctx, id, true)
	if err := e.worker.Start(ctx); err != nil {
		if errors.Is(err, errWorkerDiscarded) {
			return ErrStreamNotFound
		}
		return err
	}
	return nil
}

// StopStream stops a registered stream and marks it disabled
func (m *Manager) StopStream(ctx context.Context, id string) error {
	e := m.entry(id)
	if e == nil {
		return ErrStreamNotFound
	}
	m.setEnabled(ctx, id, false)
	return e.worker.Stop(ctx)
}

// Update changes a stream's configuration. The worker is rebuilt and
// restarted when it was running.
func (m *Manager) Update(ctx context.Context, id string, upd Update) (Descriptor, error) {
	e := m.entry(id)
	if e == nil {
		return Descriptor{}, ErrStreamNotFound
	}

	desc := upd.apply(e.desc)
	desc.Kind = capture.Kind(strings.ToLower(string(desc.Kind)))
	if err := ValidateDescriptor(desc); err != nil {
		return Descriptor{}, err
	}
	desc.UpdatedAt = time.Now()

	w, err := m.newWorker(desc)
	if err != nil {
		return Descriptor{}, err
	}

	m.mu.Lock()
	current, ok := m.entries[id]
	if !ok || current.worker != e.worker {
		m.mu.Unlock()
		return Descriptor{}, ErrStreamNotFound
	}
	if upd.Enabled == nil {
		// keep an enable/disable that landed since e was read
		desc.Enabled = current.desc.Enabled
	}
	m.entries[id] = &entry{desc: desc, worker: w}
	m.mu.Unlock()

	prev, _ := e.worker.Status()
	if err := e.worker.Discard(ctx); err != nil {
		m.LogWarn("Previous worker did not stop cleanly", "stream_id", id, "error", err)
	}
	m.persist(ctx, id)

	if prev == StatusActive && desc.Enabled {
		if err := w.Start(ctx); err != nil {
			if errors.Is(err, errWorkerDiscarded) {
				return Descriptor{}, ErrStreamNotFound
			}
			if d, ok := m.Get(id); ok {
				return d, err
			}
			return Descriptor{}, err
		}
	}
	if d, ok := m.Get(id); ok {
		return d, nil
	}
	return Descriptor{}, ErrStreamNotFound
}

// OnAlert registers a manager-level alert handler
func (m *Manager) OnAlert(h alerts.Handler) {
	if m.opts.Dispatcher != nil {
		m.opts.Dispatcher.AddHandler(h)
	}
}

// StopAll stops every worker concurrently, keeping them registered
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	workers := lo.Map(lo.Values(m.entries), func(e *entry, _ int) *Worker { return e.worker })
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Stop(ctx); err != nil {
				m.LogWarn("Stream did not stop cleanly", "stream_id", w.ID(), "error", err)
			}
		}(w)
	}
	wg.Wait()
}

// Counts returns the number of streams per status
func (m *Manager) Counts() map[Status]int {
	return lo.CountValuesBy(m.List(), func(d Descriptor) Status { return d.Status })
}

func (m *Manager) entry(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}

func (m *Manager) view(e *entry) Descriptor {
	d := e.desc
	d.Status, d.LastError = e.worker.Status()
	return d
}

func (m *Manager) newWorker(desc Descriptor) (*Worker, error) {
	det, err := m.opts.Detectors.New(desc.Project)
	if err != nil {
		return nil, fmt.Errorf("failed to build detector for stream %s: %w", desc.ID, err)
	}

	cfg := WorkerConfig{
		Opener:               m.opts.Opener,
		OpenTimeout:          m.opts.OpenTimeout,
		RetryBackoff:         m.opts.Streams.RetryBackoff,
		StopTimeout:          m.opts.Streams.StopTimeout,
		MaxConsecutiveErrors: m.opts.Streams.MaxConsecutiveErrors,
		JPEGQuality:          m.opts.JPEGQuality,
		OnStatus:             m.onStatus,
	}
	if m.opts.Dispatcher != nil {
		cfg.Alerts = m.opts.Dispatcher
	}
	return NewWorker(desc, det, cfg, m.Logger()), nil
}

func (m *Manager) onStatus(id string, status Status, lastError string) {
	if m.opts.Store != nil {
		if err := m.opts.Store.UpdateStreamStatus(context.Background(), id, string(status), lastError); err != nil {
			m.LogDebug("Failed to persist stream status", "stream_id", id, "error", err)
		}
	}

	data := map[string]interface{}{"stream_id": id, "status": string(status)}
	switch status {
	case StatusActive:
		m.PublishEvent(service.EventTypeStreamStarted, data)
	case StatusInactive:
		m.PublishEvent(service.EventTypeStreamStopped, data)
	case StatusError:
		data["error"] = lastError
		m.PublishEvent(service.EventTypeStreamError, data)
	}
}

func (m *Manager) setEnabled(ctx context.Context, id string, enabled bool) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		desc := e.desc
		desc.Enabled = enabled
		desc.UpdatedAt = time.Now()
		m.entries[id] = &entry{desc: desc, worker: e.worker}
	}
	m.mu.Unlock()
	if ok {
		m.persist(ctx, id)
	}
}

// persist writes the current descriptor of id. A stream removed while the
// write was in flight has its row deleted again so restore cannot bring it back.
func (m *Manager) persist(ctx context.Context, id string) {
	if m.opts.Store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	e := m.entry(id)
	if e == nil {
		return
	}
	if err := m.opts.Store.SaveStream(ctx, e.desc.toRecord()); err != nil {
		m.LogError("Failed to persist stream", err, "stream_id", id)
		return
	}
	if m.entry(id) == nil {
		m.LogDebug("Stream removed while persisting", "stream_id", id)
		m.deleteRecord(ctx, id)
	}
}

func (m *Manager) unpersist(ctx context.Context, id string) {
	if m.opts.Store == nil {
		return
	}
	m.deleteRecord(ctx, id)
}

func (m *Manager) deleteRecord(ctx context.Context, id string) {
	if err := m.opts.Store.DeleteStream(ctx, id); err != nil {
		m.LogError("Failed to delete stream", err, "stream_id", id)
	}
}
