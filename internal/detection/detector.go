// Package detection turns a sequence of frames into safety
// classifications: it buffers frames, samples clips, classifies them,
// applies policy and gates alerts.
package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/YousifYassi/prototype/internal/capture"
	"github.com/YousifYassi/prototype/internal/classifier"
	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/policy"
	"github.com/YousifYassi/prototype/internal/registry"
)

// Result is the outcome of classifying the clip ending at one frame.
// Results are never mutated after construction.
type Result struct {
	Label         string             `json:"label"`
	LabelIndex    int                `json:"label_index"`
	Confidence    float64            `json:"confidence"`
	IsUnsafe      bool               `json:"is_unsafe"`
	Severity      int                `json:"severity,omitempty"`
	Priority      string             `json:"priority,omitempty"`
	Regulation    *policy.Regulation `json:"regulation,omitempty"`
	AlertFired    bool               `json:"alert_fired"`
	FrameIndex    int64              `json:"frame_index"`
	Timestamp     time.Time          `json:"timestamp"`
	Offset        time.Duration      `json:"offset"`
	InferenceTime time.Duration      `json:"inference_time"`
}

type bufferedFrame struct {
	index int64
	plane []float32
}

// Options configures a Detector
type Options struct {
	Classifier          classifier.Classifier
	Catalog             *policy.Catalog
	Project             policy.ProjectContext
	BufferSize          int
	ConfidenceThreshold float64
	Cooldown            time.Duration
	SmoothingWindow     int
	Resolution          registry.Resolution
}

// Detector owns one temporal buffer and one cooldown table. It serves a
// single stream or job and must not be shared between them.
type Detector struct {
	model      *classifier.Model
	classifier classifier.Classifier
	catalog    *policy.Catalog
	project    policy.ProjectContext
	threshold  float64
	resolution registry.Resolution

	buffer   *FrameBuffer[bufferedFrame]
	gate     *AlertGate
	smoother *smoother
}

// NewDetector builds a detector around an already loaded classifier
func NewDetector(opts Options) (*Detector, error) {
	if opts.Classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	m := opts.Classifier.Model()
	if opts.BufferSize < m.NumFrames {
		return nil, fmt.Errorf("buffer size %d is smaller than the model clip length %d", opts.BufferSize, m.NumFrames)
	}
	if opts.Catalog == nil {
		var err error
		if opts.Catalog, err = policy.LoadCatalog("", 0); err != nil {
			return nil, err
		}
	}
	project := opts.Project.Normalize(1)

	return &Detector{
		model:      m,
		classifier: opts.Classifier,
		catalog:    opts.Catalog,
		project:    project,
		threshold:  opts.ConfidenceThreshold,
		resolution: opts.Resolution,
		buffer:     NewFrameBuffer[bufferedFrame](opts.BufferSize),
		gate:       NewAlertGate(m.SafeLabel(), opts.ConfidenceThreshold, project.MinSeverity, opts.Cooldown),
		smoother:   newSmoother(opts.SmoothingWindow),
	}, nil
}

// Model returns the model the detector classifies with
func (d *Detector) Model() *classifier.Model {
	return d.model
}

// Project returns the detector's project context
func (d *Detector) Project() policy.ProjectContext {
	return d.project
}

// Resolution tells which registry rung supplied the model
func (d *Detector) Resolution() registry.Resolution {
	return d.resolution
}

// Progress returns how many frames are buffered and how many a clip needs
func (d *Detector) Progress() (buffered, required int) {
	return d.buffer.Len(), d.model.NumFrames
}

// Ready reports whether the buffer holds a full clip
func (d *Detector) Ready() bool {
	return d.buffer.Len() >= d.model.NumFrames
}

// Process buffers frame and, once a full clip is available, classifies
// the clip ending at it. It returns a nil result while the buffer fills.
func (d *Detector) Process(ctx context.Context, frame *capture.Frame) (*Result, error) {
	d.buffer.Push(bufferedFrame{index: frame.Index, plane: d.model.Preprocess(frame.Image)})

	sampled, indices, ok := d.buffer.Sample(d.model.NumFrames)
	if !ok {
		return nil, nil
	}

	planes := make([][]float32, len(sampled))
	for i, f := range sampled {
		planes[i] = f.plane
	}
	clip, err := d.model.NewClip(planes, indices)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	pred, err := d.classifier.Classify(ctx, clip)
	if err != nil {
		return nil, fmt.Errorf("classification failed at frame %d: %w", frame.Index, err)
	}
	elapsed := time.Since(start)

	labelIndex, confidence := pred.Index, pred.Confidence
	if d.smoother != nil {
		labelIndex, confidence = d.smoother.add(labelIndex, confidence)
	}
	label := d.model.Label(labelIndex)

	res := &Result{
		Label:         label,
		LabelIndex:    labelIndex,
		Confidence:    confidence,
		IsUnsafe:      label != d.model.SafeLabel() && confidence >= d.threshold,
		FrameIndex:    frame.Index,
		Timestamp:     frame.Timestamp,
		Offset:        frame.Offset,
		InferenceTime: elapsed,
	}
	if res.IsUnsafe {
		rule := d.catalog.Lookup(d.project.JurisdictionCode, d.project.IndustryCode, label)
		res.Severity = rule.Severity
		res.Priority = rule.Priority
		res.Regulation = rule.Regulation
		res.AlertFired = d.gate.ShouldAlert(label, confidence, rule.Severity, frame.Timestamp)
	}
	return res, nil
}

// Reset clears the temporal buffer, keeping the cooldown table
func (d *Detector) Reset() {
	d.buffer.Reset()
}

// ClassifierFunc binds a classifier to a loaded model
type ClassifierFunc func(m *classifier.Model) classifier.Classifier

// Factory builds detectors for project contexts
type Factory struct {
	registry      *registry.Registry
	newClassifier ClassifierFunc
	catalog       *policy.Catalog
	cfg           config.DetectionConfig
	minSeverity   int
	logger        *logger.Logger
}

// NewFactory creates a detector factory
func NewFactory(reg *registry.Registry, newClassifier ClassifierFunc, catalog *policy.Catalog, cfg config.DetectionConfig, defaultMinSeverity int, log *logger.Logger) *Factory {
	return &Factory{
		registry:      reg,
		newClassifier: newClassifier,
		catalog:       catalog,
		cfg:           cfg,
		minSeverity:   defaultMinSeverity,
		logger:        log.With("component", "detector-factory"),
	}
}

// New resolves and loads the project's model and returns a fresh detector.
// A missing or corrupt model is an error.
func (f *Factory) New(project policy.ProjectContext) (*Detector, error) {
	project = project.Normalize(f.minSeverity)
	if err := project.Validate(); err != nil {
		return nil, err
	}

	m, res, err := f.registry.Load(project.JurisdictionCode, project.IndustryCode, project.CustomModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	d, err := NewDetector(Options{
		Classifier:          f.newClassifier(m),
		Catalog:             f.catalog,
		Project:             project,
		BufferSize:          f.cfg.BufferSize,
		ConfidenceThreshold: f.cfg.ConfidenceThreshold,
		Cooldown:            f.cfg.Cooldown,
		SmoothingWindow:     f.cfg.SmoothingWindow,
		Resolution:          res,
	})
	if err != nil {
		return nil, err
	}

	f.logger.Debug("Detector created",
		"project_id", project.ProjectID,
		"model", m.Name,
		"model_kind", res.Kind,
		"num_frames", m.NumFrames,
	)
	return d, nil
}
