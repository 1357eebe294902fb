// Package classifier loads action-classification model artifacts, turns
// frames into normalized clip tensors and scores clips against a model.
package classifier

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// ErrInvalidModel is returned when a model artifact is missing or malformed
var ErrInvalidModel = errors.New("invalid model artifact")

var (
	imageNetMean = [3]float32{0.485, 0.456, 0.406}
	imageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

const (
	defaultNumFrames = 16
	defaultInputSize = 224
)

// Model is a loaded model artifact. Index 0 of Labels is the safe class.
type Model struct {
	Name         string
	Version      string
	Path         string
	WeightsPath  string
	NumFrames    int
	InputHeight  int
	InputWidth   int
	Mean         [3]float32
	Std          [3]float32
	Labels       []string
	Jurisdiction string
	Industry     string
}

type manifest struct {
	Name         string    `yaml:"name"`
	Version      string    `yaml:"version"`
	Weights      string    `yaml:"weights"`
	NumFrames    int       `yaml:"num_frames"`
	InputSize    []int     `yaml:"input_size"`
	Mean         []float32 `yaml:"mean"`
	Std          []float32 `yaml:"std"`
	Labels       []string  `yaml:"labels"`
	Jurisdiction string    `yaml:"jurisdiction"`
	Industry     string    `yaml:"industry"`
}

// LoadModel reads and validates a model manifest. The weights file it
// names must exist; a relative weights path is resolved against the
// manifest's directory.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}

	var mf manifest
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidModel, path, err)
	}

	m := &Model{
		Name:         mf.Name,
		Version:      mf.Version,
		Path:         path,
		NumFrames:    mf.NumFrames,
		InputHeight:  defaultInputSize,
		InputWidth:   defaultInputSize,
		Mean:         imageNetMean,
		Std:          imageNetStd,
		Labels:       mf.Labels,
		Jurisdiction: strings.ToLower(mf.Jurisdiction),
		Industry:     strings.ToLower(mf.Industry),
	}
	if m.Name == "" {
		m.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if m.NumFrames == 0 {
		m.NumFrames = defaultNumFrames
	}

	var problems []string
	if m.NumFrames < 1 {
		problems = append(problems, fmt.Sprintf("num_frames must be >= 1, got %d", m.NumFrames))
	}
	switch len(mf.InputSize) {
	case 0:
	case 2:
		m.InputHeight, m.InputWidth = mf.InputSize[0], mf.InputSize[1]
		if m.InputHeight <= 0 || m.InputWidth <= 0 {
			problems = append(problems, fmt.Sprintf("input_size must be positive, got %v", mf.InputSize))
		}
	default:
		problems = append(problems, fmt.Sprintf("input_size must be [height, width], got %v", mf.InputSize))
	}
	if len(mf.Mean) > 0 {
		if len(mf.Mean) != 3 {
			problems = append(problems, "mean must have 3 values")
		} else {
			copy(m.Mean[:], mf.Mean)
		}
	}
	if len(mf.Std) > 0 {
		if len(mf.Std) != 3 || lo.Contains(mf.Std, 0) {
			problems = append(problems, "std must have 3 non-zero values")
		} else {
			copy(m.Std[:], mf.Std)
		}
	}
	if len(m.Labels) < 2 {
		problems = append(problems, "labels must list the safe class and at least one unsafe action")
	}
	if dupes := lo.FindDuplicates(m.Labels); len(dupes) > 0 {
		problems = append(problems, fmt.Sprintf("duplicate labels: %v", dupes))
	}

	if mf.Weights == "" {
		problems = append(problems, "weights is required")
	} else {
		m.WeightsPath = mf.Weights
		if !filepath.IsAbs(m.WeightsPath) {
			m.WeightsPath = filepath.Join(filepath.Dir(path), m.WeightsPath)
		}
		if info, err := os.Stat(m.WeightsPath); err != nil {
			problems = append(problems, fmt.Sprintf("weights file %s: %v", m.WeightsPath, err))
		} else if info.Size() == 0 {
			problems = append(problems, fmt.Sprintf("weights file %s is empty", m.WeightsPath))
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w %s: %s", ErrInvalidModel, path, strings.Join(problems, "; "))
	}
	return m, nil
}

// SafeLabel returns the name of the no-violation class
func (m *Model) SafeLabel() string {
	return m.Labels[0]
}

// Label returns the name of class idx
func (m *Model) Label(idx int) string {
	if idx < 0 || idx >= len(m.Labels) {
		return fmt.Sprintf("class_%d", idx)
	}
	return m.Labels[idx]
}

// UnsafeLabels returns every label except the safe class
func (m *Model) UnsafeLabels() []string {
	return m.Labels[1:]
}

// Save writes m as a manifest at path. WeightsPath is stored relative to
// the manifest directory when possible.
func (m *Model) Save(path string) error {
	weights := m.WeightsPath
	if rel, err := filepath.Rel(filepath.Dir(path), weights); err == nil && !strings.HasPrefix(rel, "..") {
		weights = rel
	}
	mf := manifest{
		Name:         m.Name,
		Version:      m.Version,
		Weights:      weights,
		NumFrames:    m.NumFrames,
		InputSize:    []int{m.InputHeight, m.InputWidth},
		Mean:         m.Mean[:],
		Std:          m.Std[:],
		Labels:       m.Labels,
		Jurisdiction: m.Jurisdiction,
		Industry:     m.Industry,
	}
	data, err := yaml.Marshal(&mf)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
