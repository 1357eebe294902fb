package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/YousifYassi/prototype/internal/alerts"
	"github.com/YousifYassi/prototype/internal/capture"
	"github.com/YousifYassi/prototype/internal/classifier"
	"github.com/YousifYassi/prototype/internal/classifier/classifiertest"
	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/detection"
	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/registry"
	"github.com/YousifYassi/prototype/internal/state"
)

func newTestFactory(t *testing.T, numFrames, bufferSize int) *detection.Factory {
	t.Helper()
	dir := t.TempDir()
	classifiertest.WriteModel(t, dir, "safety_model_best", numFrames)

	log := logger.NewNopLogger()
	return detection.NewFactory(
		registry.New(dir, ".yaml", log),
		func(m *classifier.Model) classifier.Classifier { return &classifiertest.RedClassifier{M: m} },
		nil,
		config.DetectionConfig{
			BufferSize:          bufferSize,
			ConfidenceThreshold: 0.7,
			Cooldown:            30 * time.Second,
			JPEGQuality:         80,
		},
		1,
		log,
	)
}

func newTestManager(t *testing.T, opener capture.Opener, numFrames int, dispatcher AlertDispatcher, store Store) *Manager {
	t.Helper()
	m := NewManager(ManagerOptions{
		Streams: config.StreamsConfig{
			DefaultFPS:           10,
			MaxConsecutiveErrors: 5,
			RetryBackoff:         5 * time.Millisecond,
			StopTimeout:          2 * time.Second,
			Restore:              true,
		},
		OpenTimeout: time.Second,
		JPEGQuality: 80,
		Opener:      opener,
		Detectors:   newTestFactory(t, numFrames, numFrames),
		Dispatcher:  dispatcher,
		Store:       store,
	}, logger.NewNopLogger())
	t.Cleanup(func() { m.StopAll(context.Background()) })
	return m
}

func syntheticDescriptor(id, query string) Descriptor {
	return Descriptor{
		ID:   id,
		Name: id,
		Kind: capture.KindRTSP,
		URI:  "rtsp://synthetic/" + id + "?width=32&height=24&" + query,
	}
}

type collectingHandler struct {
	mu     sync.Mutex
	alerts []*alerts.Alert
}

func (h *collectingHandler) Name() string { return "collect" }

func (h *collectingHandler) Handle(ctx context.Context, a *alerts.Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, a)
	return nil
}

func (h *collectingHandler) snapshot() []*alerts.Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*alerts.Alert(nil), h.alerts...)
}

// memStore keeps stream records in memory. When gate is set, the first
// SaveStream signals saving and waits for gate to close.
type memStore struct {
	mu      sync.Mutex
	records map[string]state.StreamRecord

	gate   chan struct{}
	saving chan struct{}
	once   sync.Once
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]state.StreamRecord)}
}

func newGatedMemStore() *memStore {
	s := newMemStore()
	s.gate = make(chan struct{})
	s.saving = make(chan struct{})
	return s
}

func (s *memStore) SaveStream(ctx context.Context, r state.StreamRecord) error {
	if s.gate != nil {
		first := false
		s.once.Do(func() { first = true })
		if first {
			close(s.saving)
			<-s.gate
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
	return nil
}

func (s *memStore) UpdateStreamStatus(ctx context.Context, id, status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.Status, r.LastError = status, lastError
		s.records[id] = r
	}
	return nil
}

func (s *memStore) DeleteStream(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memStore) ListStreams(ctx context.Context, enabledOnly bool) ([]state.StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []state.StreamRecord
	for _, r := range s.records {
		if !enabledOnly || r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids
}
