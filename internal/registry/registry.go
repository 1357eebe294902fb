// Package registry resolves which model artifact serves a given
// jurisdiction and industry.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/YousifYassi/prototype/internal/classifier"
	"github.com/YousifYassi/prototype/internal/logger"
)

// ErrNoModel is returned when every fallback is exhausted
var ErrNoModel = errors.New("no model found")

// Kind tells which rung of the fallback ladder produced a model
type Kind string

const (
	KindCustom               Kind = "custom"
	KindJurisdictionIndustry Kind = "jurisdiction_industry"
	KindIndustry             Kind = "industry"
	KindJurisdiction         Kind = "jurisdiction"
	KindGeneric              Kind = "generic"
	KindOther                Kind = "other"
)

const (
	safetyModelStem = "safety_model_best"
	legacyModelStem = "best_model"
)

// Resolution is the outcome of Resolve
type Resolution struct {
	Path string `json:"path"`
	Kind Kind   `json:"kind"`
}

// Artifact describes one model file found in the models directory
type Artifact struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	Kind         Kind   `json:"kind"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
	Industry     string `json:"industry,omitempty"`
}

// Registry resolves and loads models from a directory of manifests
type Registry struct {
	dir       string
	extension string
	logger    *logger.Logger

	mu       sync.Mutex
	resolved map[string]Resolution
	loaded   map[string]*classifier.Model
}

// New creates a registry over dir. extension is the manifest suffix, e.g. ".yaml".
func New(dir, extension string, log *logger.Logger) *Registry {
	if extension == "" {
		extension = ".yaml"
	}
	if !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}
	return &Registry{
		dir:       dir,
		extension: extension,
		logger:    log.With("component", "model-registry"),
		resolved:  make(map[string]Resolution),
		loaded:    make(map[string]*classifier.Model),
	}
}

// Dir returns the models directory
func (r *Registry) Dir() string {
	return r.dir
}

// Resolve picks a model path. The custom path wins when it exists, then
// {j}_{i}_model, industry_{i}_model, jurisdiction_{j}_model and finally
// the generic safety_model_best or best_model. Non-custom results are cached.
func (r *Registry) Resolve(jurisdiction, industry, customPath string) (Resolution, error) {
	jurisdiction = normalizeCode(jurisdiction)
	industry = normalizeCode(industry)

	if customPath != "" {
		if fileExists(customPath) {
			r.logger.Info("Using custom model", "path", customPath)
			return Resolution{Path: customPath, Kind: KindCustom}, nil
		}
		r.logger.Warn("Custom model path does not exist, falling back", "path", customPath)
	}

	type candidate struct {
		stem string
		kind Kind
	}
	var candidates []candidate
	if jurisdiction != "" && industry != "" {
		candidates = append(candidates, candidate{fmt.Sprintf("%s_%s_model", jurisdiction, industry), KindJurisdictionIndustry})
	}
	if industry != "" {
		candidates = append(candidates, candidate{fmt.Sprintf("industry_%s_model", industry), KindIndustry})
	}
	if jurisdiction != "" {
		candidates = append(candidates, candidate{fmt.Sprintf("jurisdiction_%s_model", jurisdiction), KindJurisdiction})
	}
	candidates = append(candidates,
		candidate{safetyModelStem, KindGeneric},
		candidate{legacyModelStem, KindGeneric},
	)

	cacheKey := jurisdiction + "|" + industry

	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.resolved[cacheKey]; ok {
		return res, nil
	}

	for _, c := range candidates {
		path := filepath.Join(r.dir, c.stem+r.extension)
		if !fileExists(path) {
			continue
		}
		res := Resolution{Path: path, Kind: c.kind}
		r.resolved[cacheKey] = res
		r.logger.Info("Resolved model",
			"jurisdiction", jurisdiction,
			"industry", industry,
			"kind", c.kind,
			"path", path,
		)
		return res, nil
	}

	tried := lo.Map(candidates, func(c candidate, _ int) string { return c.stem + r.extension })
	return Resolution{}, fmt.Errorf("%w in %s (checked %s)", ErrNoModel, r.dir, strings.Join(tried, ", "))
}

// Load resolves and loads a model. Loaded manifests are cached per path.
func (r *Registry) Load(jurisdiction, industry, customPath string) (*classifier.Model, Resolution, error) {
	res, err := r.Resolve(jurisdiction, industry, customPath)
	if err != nil {
		return nil, Resolution{}, err
	}

	r.mu.Lock()
	m, ok := r.loaded[res.Path]
	r.mu.Unlock()
	if ok {
		return m, res, nil
	}

	m, err = classifier.LoadModel(res.Path)
	if err != nil {
		return nil, res, err
	}

	r.mu.Lock()
	r.loaded[res.Path] = m
	r.mu.Unlock()

	for _, warning := range CheckCompatibility(m, jurisdiction, industry) {
		r.logger.Warn("Model compatibility warning", "model", m.Name, "warning", warning)
	}
	return m, res, nil
}

// ClearCache forgets resolved paths and loaded models
func (r *Registry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = make(map[string]Resolution)
	r.loaded = make(map[string]*classifier.Model)
}

// ListAvailable lists model manifests in the registry directory
func (r *Registry) ListAvailable() ([]Artifact, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Artifact{}, nil
		}
		return nil, fmt.Errorf("failed to read models directory: %w", err)
	}

	artifacts := make([]Artifact, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != r.extension {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), r.extension)
		a := ParseName(stem)
		a.Path = filepath.Join(r.dir, e.Name())
		artifacts = append(artifacts, a)
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })
	return artifacts, nil
}

// ParseName classifies a model file stem by naming convention
func ParseName(stem string) Artifact {
	a := Artifact{Name: stem, Kind: KindOther}
	switch stem {
	case safetyModelStem, legacyModelStem:
		a.Kind = KindGeneric
		return a
	}
	if !strings.HasSuffix(stem, "_model") {
		return a
	}
	parts := strings.SplitN(strings.TrimSuffix(stem, "_model"), "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return a
	}
	switch parts[0] {
	case "industry":
		a.Kind, a.Industry = KindIndustry, parts[1]
	case "jurisdiction":
		a.Kind, a.Jurisdiction = KindJurisdiction, parts[1]
	default:
		a.Kind, a.Jurisdiction, a.Industry = KindJurisdictionIndustry, parts[0], parts[1]
	}
	return a
}

// CheckCompatibility reports mismatches between a model's declared scope
// and the requested jurisdiction and industry. Models without a declared
// scope are compatible with everything.
func CheckCompatibility(m *classifier.Model, jurisdiction, industry string) []string {
	var warnings []string
	jurisdiction = normalizeCode(jurisdiction)
	industry = normalizeCode(industry)
	if m.Jurisdiction != "" && jurisdiction != "" && m.Jurisdiction != jurisdiction {
		warnings = append(warnings, fmt.Sprintf("model jurisdiction %q differs from requested %q", m.Jurisdiction, jurisdiction))
	}
	if m.Industry != "" && industry != "" && m.Industry != industry {
		warnings = append(warnings, fmt.Sprintf("model industry %q differs from requested %q", m.Industry, industry))
	}
	return warnings
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
