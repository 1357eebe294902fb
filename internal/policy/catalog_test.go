package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog_OntarioRules(t *testing.T) {
	c, err := LoadCatalog("", 0)
	require.NoError(t, err)

	tests := []struct {
		industry, action string
		severity         int
		priority         string
		regulation       string
	}{
		{"construction", "no_hard_hat", 4, PriorityUrgent, "OHSA_26.1(1)"},
		{"construction", "no_safety_harness", 5, PriorityUrgent, "OHSA_26.1(2)"},
		{"construction", "no_high_visibility_vest", 3, PriorityHigh, "OHSA_26.1(3)"},
		{"food_safety", "no_gloves", 3, PriorityHigh, "OHSA_25(2)(h)"},
		{"food_safety", "cross_contamination", 5, PriorityUrgent, "OHSA_26(1)"},
		{"light_industry", "improper_lifting", 2, PriorityNormal, "OHSA_25(2)(d)"},
		{"light_industry", "loose_clothing_near_machinery", 5, PriorityUrgent, "OHSA_25(1)(c)"},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			rule := c.Lookup("ontario", tt.industry, tt.action)
			assert.Equal(t, tt.severity, rule.Severity)
			assert.Equal(t, tt.priority, rule.Priority)
			require.NotNil(t, rule.Regulation)
			assert.Equal(t, tt.regulation, rule.Regulation.Code)
			assert.Contains(t, rule.Regulation.Violation, tt.regulation)
			assert.Equal(t, "ontario/"+tt.industry, rule.Source)
		})
	}
}

func TestLookup_Fallbacks(t *testing.T) {
	c, err := LoadCatalog("", 0)
	require.NoError(t, err)

	// unknown jurisdiction falls back to generic/general
	rule := c.Lookup("quebec", "construction", "no_hard_hat")
	assert.Equal(t, 4, rule.Severity)
	assert.Nil(t, rule.Regulation)
	assert.Equal(t, "generic/general", rule.Source)

	// case-insensitive codes
	rule = c.Lookup("Ontario", "CONSTRUCTION", "no_hard_hat")
	assert.Equal(t, "ontario/construction", rule.Source)

	// unknown action gets the default severity
	rule = c.Lookup("ontario", "construction", "juggling")
	assert.Equal(t, 3, rule.Severity)
	assert.Equal(t, PriorityHigh, rule.Priority)
	assert.Empty(t, rule.Source)

	// no codes at all
	rule = c.Lookup("", "", "no_safety_harness")
	assert.Equal(t, 5, rule.Severity)
}

func TestLoadCatalog_DefaultSeverityOverride(t *testing.T) {
	c, err := LoadCatalog("", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, c.DefaultSeverity())
	assert.Equal(t, PriorityNormal, c.Lookup("ontario", "construction", "unknown").Priority)
}

func TestLoadCatalog_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `
default_severity: 1
jurisdictions:
  BC:
    industries:
      mining:
        actions:
          no_respirator: {severity: 5}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	c, err := LoadCatalog(path, 0)
	require.NoError(t, err)
	rule := c.Lookup("bc", "mining", "no_respirator")
	assert.Equal(t, 5, rule.Severity)
	assert.Equal(t, PriorityUrgent, rule.Priority)
	assert.Equal(t, []string{"bc"}, c.Jurisdictions())
	assert.Equal(t, []string{"mining"}, c.Industries("BC"))
	assert.Nil(t, c.Industries("ontario"))
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := map[string]string{
		"severity out of range": "jurisdictions:\n  x:\n    industries:\n      y:\n        actions:\n          a: {severity: 9}\n",
		"unknown priority":      "jurisdictions:\n  x:\n    industries:\n      y:\n        actions:\n          a: {severity: 2, priority: asap}\n",
		"bad default":           "default_severity: 7\n",
		"not yaml":              "jurisdictions: [\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(content))
			assert.Error(t, err)
		})
	}

	_, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"), 0)
	assert.Error(t, err)
}

func TestProjectContext_Normalize(t *testing.T) {
	p := ProjectContext{JurisdictionCode: " Ontario ", IndustryCode: "Construction"}.Normalize(0)
	assert.Equal(t, "ontario", p.JurisdictionCode)
	assert.Equal(t, "construction", p.IndustryCode)
	assert.Equal(t, 1, p.MinSeverity)

	p = ProjectContext{}.Normalize(3)
	assert.Equal(t, 3, p.MinSeverity)

	p = ProjectContext{MinSeverity: 5}.Normalize(3)
	assert.Equal(t, 5, p.MinSeverity)
	assert.NoError(t, p.Validate())

	assert.Error(t, ProjectContext{MinSeverity: 6}.Validate())
}
