package bundle

import (
	"context"
	"errors"
	"testing"

	"github.com/carelink/carelink/internal/domain/attribute"
	"github.com/carelink/carelink/internal/domain/rules"
)

func TestLoadCatalog_RepositoryCatalog(t *testing.T) {
	templates, err := LoadCatalog("../../../catalog/templates.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(templates) != 4 {
		t.Fatalf("expected 4 templates, got %d", len(templates))
	}
	svc, _, _ := newTestService()
	for i := range templates {
		if err := svc.ValidateTemplate(&templates[i]); err != nil {
			t.Errorf("%s: %v", templates[i].Code, err)
		}
	}

	dem := templates[0]
	if dem.Code != "DEMENTIA_SUPPORT" || !dem.IsActive || !dem.IsCurrentVersion || dem.PriorityWeight != 110 {
		t.Errorf("unexpected first template: %+v", dem)
	}
	if len(dem.Services) != 2 || dem.Services[0].ServiceCode != "PSW" || dem.Services[0].DurationMinutes != 60 {
		t.Errorf("unexpected services: %+v", dem.Services)
	}
	if len(dem.Rules) != 2 || !dem.Rules[0].IsRequired || !dem.Rules[1].Condition.IsGroup() {
		t.Errorf("unexpected rules: %+v", dem.Rules)
	}
	rehab := templates[1]
	if rehab.MinADLSum == nil || *rehab.MinADLSum != 4 || rehab.MaxIADLSum != nil {
		t.Errorf("unexpected bounds: %v %v", rehab.MinADLSum, rehab.MaxIADLSum)
	}
}

func TestParseCatalog_StableIDs(t *testing.T) {
	data := []byte(`templates: [{code: A, name: A}]`)
	first, err := ParseCatalog(data)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := ParseCatalog(data)
	if first[0].ID != second[0].ID {
		t.Error("catalog IDs must be stable across loads")
	}
}

func TestParseCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "templates: [\n"},
		{"missing code", "templates: [{name: A}]"},
		{"duplicate code", "templates: [{code: A, name: A}, {code: A, name: B}]"},
		{"rule without condition", "templates: [{code: A, name: A, rules: [{name: r}]}]"},
		{"bad between", "templates: [{code: A, name: A, rules: [{name: r, condition: {field: age, operator: between, value: [1]}}]}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
	_, err := ParseCatalog([]byte("templates: [{code: A, name: A, rules: [{name: r}]}]"))
	if !errors.Is(err, rules.ErrInvalidConfiguration) {
		t.Errorf("expected a configuration error, got %v", err)
	}
}

func TestParseCatalog_InactiveFlags(t *testing.T) {
	templates, err := ParseCatalog([]byte(`
templates:
  - code: A
    name: A
    active: false
    rules:
      - name: r
        active: false
        condition: {operator: AND, conditions: []}
`))
	if err != nil {
		t.Fatal(err)
	}
	if templates[0].IsActive || templates[0].Rules[0].IsActive {
		t.Error("explicit active: false must be kept")
	}
}

func TestCatalog_RanksDementiaClient(t *testing.T) {
	templates, err := LoadCatalog("../../../catalog/templates.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cps, maple, adl, iadl := 4.0, 4.0, 3.0, 12.0
	bag := attribute.FromAssessment(attribute.Assessment{
		CPSScore:     &cps,
		MAPLeScore:   &maple,
		ADLHierarchy: &adl,
		ADLSum:       &adl,
		IADLSum:      &iadl,
		Flags:        []string{"dementia"},
	})
	r, err := NewMatcher(nil, 0).Rank(context.Background(), bag, templates)
	if err != nil {
		t.Fatal(err)
	}
	if r.NoMatch() || r.Ranked[0].Code != "DEMENTIA_SUPPORT" {
		t.Fatalf("expected dementia support first, got %+v", r.Ranked)
	}
	for _, res := range r.Rejected {
		if res.Code == "PALLIATIVE_HOME" && res.RejectReason != RejectRequiredFlagMissing {
			t.Errorf("palliative should need its flag, got %s", res.RejectReason)
		}
	}
}
