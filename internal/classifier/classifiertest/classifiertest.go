// Package classifiertest provides model fixtures and a deterministic
// classifier for tests.
package classifiertest

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/YousifYassi/prototype/internal/classifier"
)

// Labels is the label set used by fixtures
var Labels = []string{"safe", "no_hard_hat", "no_safety_harness"}

// WriteModel writes a small model manifest plus weights file into dir and
// returns the manifest path.
func WriteModel(t testing.TB, dir, stem string, numFrames int) string {
	t.Helper()

	weights := filepath.Join(dir, stem+".pth")
	if err := os.WriteFile(weights, []byte("weights"), 0644); err != nil {
		t.Fatalf("failed to write weights: %v", err)
	}

	m := &classifier.Model{
		Name:        stem,
		Version:     "1",
		WeightsPath: weights,
		NumFrames:   numFrames,
		InputHeight: 8,
		InputWidth:  8,
		Mean:        [3]float32{0.485, 0.456, 0.406},
		Std:         [3]float32{0.229, 0.224, 0.225},
		Labels:      Labels,
	}
	path := filepath.Join(dir, stem+".yaml")
	if err := m.Save(path); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	return path
}

// LoadModel writes and loads a fixture model
func LoadModel(t testing.TB, numFrames int) *classifier.Model {
	t.Helper()
	m, err := classifier.LoadModel(WriteModel(t, t.TempDir(), "safety_model_best", numFrames))
	if err != nil {
		t.Fatalf("failed to load fixture model: %v", err)
	}
	return m
}

// RedClassifier reports label 1 with confidence 0.95 when any frame of
// the clip is predominantly red, and "safe" with 0.9 otherwise.
type RedClassifier struct {
	M     *classifier.Model
	Err   error
	Calls atomic.Int64
}

// Model implements classifier.Classifier
func (r *RedClassifier) Model() *classifier.Model {
	return r.M
}

// Classify implements classifier.Classifier
func (r *RedClassifier) Classify(ctx context.Context, clip *classifier.Clip) (classifier.Prediction, error) {
	r.Calls.Add(1)
	if r.Err != nil {
		return classifier.Prediction{}, r.Err
	}

	probs := make([]float64, len(r.M.Labels))
	probs[0] = 0.9
	probs[1] = 0.1
	for t := 0; t < clip.Frames(); t++ {
		if IsRedPlane(clip.Plane(t), clip.Shape[2]*clip.Shape[3]) {
			probs[0], probs[1] = 0.05, 0.95
			break
		}
	}
	return classifier.NewPrediction(r.M, probs)
}

// IsRedPlane checks the first pixel of a normalized C×H×W plane
func IsRedPlane(plane []float32, area int) bool {
	return plane[0] > 1.5 && plane[area] < -1
}
