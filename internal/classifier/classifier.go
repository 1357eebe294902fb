package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned when a clip or model output does not match the model
var ErrShapeMismatch = errors.New("shape mismatch")

// Prediction is the classifier output for one clip
type Prediction struct {
	Index         int       `json:"index"`
	Label         string    `json:"label"`
	Confidence    float64   `json:"confidence"`
	Probabilities []float64 `json:"probabilities,omitempty"`
}

// Classifier maps a clip to an action class. Implementations are safe for
// concurrent use and keep no state between calls.
type Classifier interface {
	Classify(ctx context.Context, clip *Clip) (Prediction, error)
	Model() *Model
}

// Softmax converts logits to probabilities
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		maxLogit = math.Max(maxLogit, v)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// ArgMax returns the index of the largest value, the first on ties
func ArgMax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// NewPrediction builds a prediction from class probabilities
func NewPrediction(m *Model, probs []float64) (Prediction, error) {
	if len(probs) != len(m.Labels) {
		return Prediction{}, fmt.Errorf("%w: model %s has %d labels, got %d scores",
			ErrShapeMismatch, m.Name, len(m.Labels), len(probs))
	}
	idx := ArgMax(probs)
	return Prediction{
		Index:         idx,
		Label:         m.Label(idx),
		Confidence:    probs[idx],
		Probabilities: probs,
	}, nil
}

// FuncClassifier adapts a scoring function to Classifier. The function
// returns one probability per model label.
type FuncClassifier struct {
	M     *Model
	Score func(ctx context.Context, clip *Clip) ([]float64, error)
}

// Classify implements Classifier
func (f *FuncClassifier) Classify(ctx context.Context, clip *Clip) (Prediction, error) {
	probs, err := f.Score(ctx, clip)
	if err != nil {
		return Prediction{}, err
	}
	return NewPrediction(f.M, probs)
}

// Model implements Classifier
func (f *FuncClassifier) Model() *Model {
	return f.M
}
