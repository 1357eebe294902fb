// Package policy maps detected actions to severities and regulation
// references for a project's jurisdiction and industry.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

const (
	// GenericJurisdiction is consulted when a jurisdiction has no rule for an action
	GenericJurisdiction = "generic"
	// GeneralIndustry is consulted when an industry has no rule for an action
	GeneralIndustry = "general"
)

// Notification priorities
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Regulation is the clause an action violates
type Regulation struct {
	Code      string `json:"code"`
	Title     string `json:"title"`
	Violation string `json:"violation"`
}

// ActionRule is the policy outcome for one action
type ActionRule struct {
	Action      string      `json:"action"`
	Severity    int         `json:"severity"`
	Priority    string      `json:"priority"`
	Description string      `json:"description,omitempty"`
	Regulation  *Regulation `json:"regulation,omitempty"`
	// Source is the jurisdiction/industry pair that matched, empty for the default
	Source string `json:"source,omitempty"`
}

type catalogFile struct {
	DefaultSeverity int                          `yaml:"default_severity"`
	Jurisdictions   map[string]jurisdictionEntry `yaml:"jurisdictions"`
}

type jurisdictionEntry struct {
	Name          string                   `yaml:"name"`
	Country       string                   `yaml:"country"`
	RegulationURL string                   `yaml:"regulation_url"`
	Industries    map[string]industryEntry `yaml:"industries"`
}

type industryEntry struct {
	Regulations []regulationEntry      `yaml:"regulations"`
	Actions     map[string]actionEntry `yaml:"actions"`
}

type regulationEntry struct {
	Code       string            `yaml:"code"`
	Title      string            `yaml:"title"`
	Violations map[string]string `yaml:"violations"`
}

type actionEntry struct {
	Severity    int    `yaml:"severity"`
	Priority    string `yaml:"priority"`
	Description string `yaml:"description"`
}

// Catalog answers severity and regulation lookups. It is read-only after load.
type Catalog struct {
	defaultSeverity int
	jurisdictions   map[string]jurisdictionEntry
}

// LoadCatalog reads a catalog file, or the built-in Ontario catalog when path is empty.
// defaultSeverity overrides the file's default when > 0.
func LoadCatalog(path string, defaultSeverity int) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog: %w", err)
		}
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, err
	}
	if defaultSeverity > 0 {
		c.defaultSeverity = defaultSeverity
	}
	return c, nil
}

// ParseCatalog parses and validates catalog YAML
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{
		defaultSeverity: f.DefaultSeverity,
		jurisdictions:   make(map[string]jurisdictionEntry, len(f.Jurisdictions)),
	}
	if c.defaultSeverity == 0 {
		c.defaultSeverity = 3
	}
	if !validSeverity(c.defaultSeverity) {
		return nil, fmt.Errorf("catalog default_severity must be between 1 and 5, got %d", c.defaultSeverity)
	}

	for jCode, j := range f.Jurisdictions {
		for iCode, ind := range j.Industries {
			for action, a := range ind.Actions {
				if !validSeverity(a.Severity) {
					return nil, fmt.Errorf("catalog %s/%s/%s: severity must be between 1 and 5, got %d", jCode, iCode, action, a.Severity)
				}
				switch a.Priority {
				case PriorityNormal, PriorityHigh, PriorityUrgent:
				case "":
					a.Priority = PriorityForSeverity(a.Severity)
					ind.Actions[action] = a
				default:
					return nil, fmt.Errorf("catalog %s/%s/%s: unknown priority %q", jCode, iCode, action, a.Priority)
				}
			}
		}
		c.jurisdictions[normalize(jCode)] = j
	}
	return c, nil
}

// Lookup returns the rule for action. It tries the project's jurisdiction
// and industry, then the jurisdiction's general rules, then the generic
// jurisdiction. Unknown actions get the default severity and no regulation.
func (c *Catalog) Lookup(jurisdiction, industry, action string) ActionRule {
	jurisdiction = normalize(jurisdiction)
	industry = normalize(industry)

	scopes := [][2]string{
		{jurisdiction, industry},
		{jurisdiction, GeneralIndustry},
		{GenericJurisdiction, industry},
		{GenericJurisdiction, GeneralIndustry},
	}
	for _, s := range lo.Uniq(scopes) {
		ind, ok := c.industry(s[0], s[1])
		if !ok {
			continue
		}
		a, ok := ind.Actions[action]
		if !ok {
			continue
		}
		return ActionRule{
			Action:      action,
			Severity:    a.Severity,
			Priority:    a.Priority,
			Description: a.Description,
			Regulation:  findRegulation(ind, action),
			Source:      s[0] + "/" + s[1],
		}
	}

	return ActionRule{
		Action:   action,
		Severity: c.defaultSeverity,
		Priority: PriorityForSeverity(c.defaultSeverity),
	}
}

// DefaultSeverity returns the severity applied to unknown actions
func (c *Catalog) DefaultSeverity() int {
	return c.defaultSeverity
}

// Jurisdictions returns the known jurisdiction codes
func (c *Catalog) Jurisdictions() []string {
	codes := lo.Keys(c.jurisdictions)
	sort.Strings(codes)
	return codes
}

// Industries returns the industry codes defined for a jurisdiction
func (c *Catalog) Industries(jurisdiction string) []string {
	j, ok := c.jurisdictions[normalize(jurisdiction)]
	if !ok {
		return nil
	}
	codes := lo.Keys(j.Industries)
	sort.Strings(codes)
	return codes
}

// PriorityForSeverity maps a severity level to a notification priority
func PriorityForSeverity(severity int) string {
	switch {
	case severity >= 4:
		return PriorityUrgent
	case severity == 3:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

func (c *Catalog) industry(jurisdiction, industry string) (industryEntry, bool) {
	if jurisdiction == "" || industry == "" {
		return industryEntry{}, false
	}
	j, ok := c.jurisdictions[jurisdiction]
	if !ok {
		return industryEntry{}, false
	}
	ind, ok := j.Industries[industry]
	return ind, ok
}

func findRegulation(ind industryEntry, action string) *Regulation {
	for _, r := range ind.Regulations {
		if v, ok := r.Violations[action]; ok {
			return &Regulation{Code: r.Code, Title: r.Title, Violation: v}
		}
	}
	return nil
}

func validSeverity(s int) bool {
	return s >= 1 && s <= 5
}

func normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
