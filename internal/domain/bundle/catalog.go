package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/carelink/carelink/internal/domain/rules"
)

// catalogNamespace seeds the stable IDs given to catalog templates before
// they are stored, so offline rankings tie-break the same way every run.
var catalogNamespace = uuid.MustParse("6f1c3a52-9a53-4c1e-8d8e-2b7f4d0e9c11")

type catalogFile struct {
	Templates []catalogTemplate `yaml:"templates"`
}

type catalogRange struct {
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`
}

type catalogRule struct {
	Name      string      `yaml:"name"`
	Required  bool        `yaml:"required"`
	Priority  int         `yaml:"priority"`
	Active    *bool       `yaml:"active"`
	Condition interface{} `yaml:"condition"`
}

type catalogTemplate struct {
	Code           string        `yaml:"code"`
	Name           string        `yaml:"name"`
	Description    string        `yaml:"description"`
	Active         *bool         `yaml:"active"`
	PriorityWeight float64       `yaml:"priority_weight"`
	AutoRecommend  bool          `yaml:"auto_recommend"`
	RequiredFlags  []string      `yaml:"required_flags"`
	ExcludedFlags  []string      `yaml:"excluded_flags"`
	ADLSum         catalogRange  `yaml:"adl_sum"`
	IADLSum        catalogRange  `yaml:"iadl_sum"`
	Services       []ServiceLine `yaml:"services"`
	Rules          []catalogRule `yaml:"rules"`
}

// LoadCatalog reads a YAML template catalog from disk.
func LoadCatalog(path string) ([]BundleTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a catalog. Templates come back active and current
// unless the file says otherwise; rule conditions use the same JSON shape the
// API accepts, written as YAML.
func ParseCatalog(data []byte) ([]BundleTemplate, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshaling catalog: %w", err)
	}

	seen := make(map[string]bool, len(f.Templates))
	out := make([]BundleTemplate, 0, len(f.Templates))
	for i, ct := range f.Templates {
		code := strings.TrimSpace(ct.Code)
		if code == "" {
			return nil, fmt.Errorf("template at index %d has no code", i)
		}
		if seen[code] {
			return nil, fmt.Errorf("template %s appears more than once", code)
		}
		seen[code] = true

		t := BundleTemplate{
			ID:               uuid.NewSHA1(catalogNamespace, []byte(code)),
			Code:             code,
			Version:          1,
			Name:             ct.Name,
			Description:      ct.Description,
			IsActive:         ct.Active == nil || *ct.Active,
			IsCurrentVersion: true,
			RequiredFlags:    ct.RequiredFlags,
			ExcludedFlags:    ct.ExcludedFlags,
			PriorityWeight:   ct.PriorityWeight,
			AutoRecommend:    ct.AutoRecommend,
			MinADLSum:        ct.ADLSum.Min,
			MaxADLSum:        ct.ADLSum.Max,
			MinIADLSum:       ct.IADLSum.Min,
			MaxIADLSum:       ct.IADLSum.Max,
			Services:         ct.Services,
		}
		for j, cr := range ct.Rules {
			cond, err := catalogCondition(cr.Condition)
			if err != nil {
				return nil, fmt.Errorf("template %s rule %d (%s): %w", code, j, cr.Name, err)
			}
			t.Rules = append(t.Rules, EligibilityRule{
				ID:         uuid.NewSHA1(t.ID, []byte(fmt.Sprintf("%d", j))),
				TemplateID: t.ID,
				Name:       cr.Name,
				Condition:  cond,
				Priority:   cr.Priority,
				IsRequired: cr.Required,
				IsActive:   cr.Active == nil || *cr.Active,
			})
		}
		out = append(out, t)
	}
	return out, nil
}

// catalogCondition reuses the JSON decoder so YAML and API trees are parsed
// by the same code.
func catalogCondition(raw interface{}) (rules.Condition, error) {
	if raw == nil {
		return rules.Condition{}, &rules.ConfigurationError{Reason: "rule has no condition"}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return rules.Condition{}, &rules.ConfigurationError{Reason: "condition is not a JSON-compatible tree: " + err.Error()}
	}
	return rules.Parse(data)
}
