// Package stream runs live video sources. Each stream has one Worker that
// owns its capture handle and detector; the Manager keeps the registry.
package stream

import (
	"errors"
	"time"

	"github.com/YousifYassi/prototype/internal/capture"
	"github.com/YousifYassi/prototype/internal/detection"
	"github.com/YousifYassi/prototype/internal/policy"
	"github.com/YousifYassi/prototype/internal/state"
)

// Status is the lifecycle state of a stream
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusError    Status = "error"
)

var (
	ErrStreamExists      = errors.New("stream already exists")
	ErrStreamNotFound    = errors.New("stream not found")
	ErrFrameUnavailable  = errors.New("no frame available yet")
	ErrUnsupportedFormat = errors.New("unsupported frame format")
	ErrTooManyStreams    = errors.New("stream limit reached")
)

// Descriptor identifies and configures one video source
type Descriptor struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	URI        string                `json:"uri"`
	Kind       capture.Kind          `json:"kind"`
	FPS        int                   `json:"fps"`
	Resolution string                `json:"resolution,omitempty"`
	Status     Status                `json:"status"`
	LastError  string                `json:"last_error,omitempty"`
	Enabled    bool                  `json:"enabled"`
	Project    policy.ProjectContext `json:"project"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Redacted returns a copy with credentials removed from the URI
func (d Descriptor) Redacted() Descriptor {
	d.URI = capture.Redact(d.URI)
	return d
}

func (d Descriptor) spec(openTimeout time.Duration) capture.Spec {
	return capture.Spec{Kind: d.Kind, URI: d.URI, FPS: d.FPS, Timeout: openTimeout}
}

func (d Descriptor) toRecord() state.StreamRecord {
	return state.StreamRecord{
		ID:         d.ID,
		Name:       d.Name,
		URI:        d.URI,
		Kind:       string(d.Kind),
		FPS:        d.FPS,
		Resolution: d.Resolution,
		Status:     string(d.Status),
		LastError:  d.LastError,
		Enabled:    d.Enabled,
		Project:    d.Project,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func descriptorFromRecord(r state.StreamRecord) Descriptor {
	return Descriptor{
		ID:         r.ID,
		Name:       r.Name,
		URI:        r.URI,
		Kind:       capture.Kind(r.Kind),
		FPS:        r.FPS,
		Resolution: r.Resolution,
		Status:     Status(r.Status),
		LastError:  r.LastError,
		Enabled:    r.Enabled,
		Project:    r.Project,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// Update holds the fields to change on an existing stream; nil fields are kept
type Update struct {
	Name       *string                `json:"name,omitempty"`
	URI        *string                `json:"uri,omitempty"`
	Kind       *capture.Kind          `json:"kind,omitempty"`
	FPS        *int                   `json:"fps,omitempty"`
	Resolution *string                `json:"resolution,omitempty"`
	Enabled    *bool                  `json:"enabled,omitempty"`
	Project    *policy.ProjectContext `json:"project,omitempty"`
}

func (u Update) apply(d Descriptor) Descriptor {
	if u.Name != nil {
		d.Name = *u.Name
	}
	if u.URI != nil {
		d.URI = *u.URI
	}
	if u.Kind != nil {
		d.Kind = *u.Kind
	}
	if u.FPS != nil {
		d.FPS = *u.FPS
	}
	if u.Resolution != nil {
		d.Resolution = *u.Resolution
	}
	if u.Enabled != nil {
		d.Enabled = *u.Enabled
	}
	if u.Project != nil {
		d.Project = *u.Project
	}
	return d
}

// Snapshot is the immutable runtime view a worker publishes after each frame
type Snapshot struct {
	Running           bool              `json:"running"`
	FrameCount        int64             `json:"frame_count"`
	ErrorCount        int64             `json:"error_count"`
	ConsecutiveErrors int               `json:"consecutive_errors"`
	SkippedInferences int64             `json:"skipped_inferences"`
	AlertsFired       int64             `json:"alerts_fired"`
	Buffered          int               `json:"buffered"`
	Required          int               `json:"required"`
	LastFrameTime     time.Time         `json:"last_frame_time"`
	LastDetectionTime time.Time         `json:"last_detection_time"`
	Result            *detection.Result `json:"current_result"`
	JPEG              []byte            `json:"-"`
}

// RuntimeStatus is the status report of one stream
type RuntimeStatus struct {
	ID                string            `json:"id"`
	Status            Status            `json:"status"`
	LastError         string            `json:"last_error,omitempty"`
	FrameCount        int64             `json:"frame_count"`
	ErrorCount        int64             `json:"error_count"`
	SkippedInferences int64             `json:"skipped_inferences"`
	AlertsFired       int64             `json:"alerts_fired"`
	Buffered          int               `json:"buffered"`
	Required          int               `json:"required"`
	LastFrameTime     *time.Time        `json:"last_frame_time"`
	LastDetectionTime *time.Time        `json:"last_detection_time"`
	CurrentResult     *detection.Result `json:"current_result"`
	Model             string            `json:"model,omitempty"`
	ModelKind         string            `json:"model_kind,omitempty"`
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
