// Package alerts carries fired detections to their sinks: the state
// database, Kafka, websocket clients and a snapshot archive.
package alerts

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/YousifYassi/prototype/internal/detection"
	"github.com/YousifYassi/prototype/internal/policy"
	"github.com/YousifYassi/prototype/internal/state"
)

// SourceType tells whether an alert came from a live stream or a batch job
type SourceType string

const (
	SourceStream SourceType = "stream"
	SourceJob    SourceType = "job"
)

// Alert is a fired detection
type Alert struct {
	ID         string             `json:"id"`
	SourceID   string             `json:"source_id"`
	SourceType SourceType         `json:"source_type"`
	SourceName string             `json:"source_name,omitempty"`
	ProjectID  string             `json:"project_id,omitempty"`
	Action     string             `json:"action"`
	Confidence float64            `json:"confidence"`
	Severity   int                `json:"severity"`
	Priority   string             `json:"priority"`
	Regulation *policy.Regulation `json:"regulation,omitempty"`
	FrameIndex int64              `json:"frame_index"`
	// Timestamp is the frame time; for jobs it is open time plus the video offset
	Timestamp   time.Time `json:"timestamp"`
	Offset      float64   `json:"offset_seconds"`
	RaisedAt    time.Time `json:"raised_at"`
	SnapshotURL string    `json:"snapshot_url,omitempty"`

	// Snapshot is the annotated JPEG of the triggering frame
	Snapshot []byte `json:"-"`
}

// NewAlert builds an alert from a detection result that fired
func NewAlert(sourceType SourceType, sourceID, projectID string, res *detection.Result, snapshot []byte) *Alert {
	return &Alert{
		ID:         uuid.New().String(),
		SourceID:   sourceID,
		SourceType: sourceType,
		ProjectID:  projectID,
		Action:     res.Label,
		Confidence: res.Confidence,
		Severity:   res.Severity,
		Priority:   res.Priority,
		Regulation: res.Regulation,
		FrameIndex: res.FrameIndex,
		Timestamp:  res.Timestamp,
		Offset:     res.Offset.Seconds(),
		RaisedAt:   time.Now(),
		Snapshot:   snapshot,
	}
}

// SnapshotKey is the archive object name for the alert's snapshot
func (a *Alert) SnapshotKey() string {
	return fmt.Sprintf("%s/%s/%s.jpg", a.SourceType, a.SourceID, a.ID)
}

// ToRecord converts an Alert for storage
func (a *Alert) ToRecord() state.AlertRecord {
	rec := state.AlertRecord{
		ID:          a.ID,
		SourceID:    a.SourceID,
		SourceType:  string(a.SourceType),
		ProjectID:   a.ProjectID,
		Action:      a.Action,
		Confidence:  a.Confidence,
		Severity:    a.Severity,
		Priority:    a.Priority,
		FrameIndex:  a.FrameIndex,
		Timestamp:   a.Timestamp,
		RaisedAt:    a.RaisedAt,
		SnapshotURL: a.SnapshotURL,
	}
	if a.Regulation != nil {
		rec.RegulationCode = a.Regulation.Code
		rec.RegulationTitle = a.Regulation.Title
		rec.Violation = a.Regulation.Violation
	}
	return rec
}

// FromRecord rebuilds an Alert from storage
func FromRecord(rec state.AlertRecord) *Alert {
	a := &Alert{
		ID:          rec.ID,
		SourceID:    rec.SourceID,
		SourceType:  SourceType(rec.SourceType),
		ProjectID:   rec.ProjectID,
		Action:      rec.Action,
		Confidence:  rec.Confidence,
		Severity:    rec.Severity,
		Priority:    rec.Priority,
		FrameIndex:  rec.FrameIndex,
		Timestamp:   rec.Timestamp,
		RaisedAt:    rec.RaisedAt,
		SnapshotURL: rec.SnapshotURL,
	}
	if rec.RegulationCode != "" {
		a.Regulation = &policy.Regulation{
			Code:      rec.RegulationCode,
			Title:     rec.RegulationTitle,
			Violation: rec.Violation,
		}
	}
	return a
}
