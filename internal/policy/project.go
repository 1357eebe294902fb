package policy

import (
	"fmt"
	"strings"
)

// ProjectContext scopes detection to a site: which model to use and
// which alerts are worth raising.
type ProjectContext struct {
	ProjectID        string `json:"project_id,omitempty" yaml:"project_id"`
	Name             string `json:"name,omitempty" yaml:"name"`
	JurisdictionCode string `json:"jurisdiction_code,omitempty" yaml:"jurisdiction_code"`
	IndustryCode     string `json:"industry_code,omitempty" yaml:"industry_code"`
	MinSeverity      int    `json:"min_severity,omitempty" yaml:"min_severity"`
	CustomModelPath  string `json:"custom_model_path,omitempty" yaml:"custom_model_path"`
}

// Normalize lower-cases codes and applies the default minimum severity
func (p ProjectContext) Normalize(defaultMinSeverity int) ProjectContext {
	p.JurisdictionCode = strings.ToLower(strings.TrimSpace(p.JurisdictionCode))
	p.IndustryCode = strings.ToLower(strings.TrimSpace(p.IndustryCode))
	if p.MinSeverity == 0 {
		p.MinSeverity = defaultMinSeverity
	}
	if p.MinSeverity == 0 {
		p.MinSeverity = 1
	}
	return p
}

// Validate checks the severity bounds
func (p ProjectContext) Validate() error {
	if p.MinSeverity < 0 || p.MinSeverity > 5 {
		return fmt.Errorf("min_severity must be between 1 and 5, got %d", p.MinSeverity)
	}
	return nil
}
