// Package bundle stores versioned service bundle templates and ranks them for
// a patient's assessment.
package bundle

import (
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/domain/rules"
)

// DefaultPriorityWeight is applied when a template carries no weight.
const DefaultPriorityWeight = 100.0

// ServiceLine is one service a bundle delivers.
type ServiceLine struct {
	ServiceCode      string  `json:"service_code" yaml:"service_code" validate:"required"`
	Discipline       string  `json:"discipline,omitempty" yaml:"discipline"`
	FrequencyPerWeek float64 `json:"frequency_per_week" yaml:"frequency_per_week" validate:"gte=0"`
	DurationMinutes  int     `json:"duration_minutes" yaml:"duration_minutes" validate:"gte=0"`
	Notes            string  `json:"notes,omitempty" yaml:"notes"`
}

type EligibilityRule struct {
	ID         uuid.UUID       `json:"id"`
	TemplateID uuid.UUID       `json:"template_id"`
	Name       string          `json:"name" validate:"required"`
	Condition  rules.Condition `json:"condition"`
	Priority   int             `json:"priority"`
	IsRequired bool            `json:"is_required"`
	IsActive   bool            `json:"is_active"`
}

// Weight is the rule's share of the optional score. Priorities below 1 count as 1.
func (r EligibilityRule) Weight() float64 {
	if r.Priority < 1 {
		return 1
	}
	return float64(r.Priority)
}

// BundleTemplate is one version of a care package. Rows are never edited in
// place; a revision inserts the next version and moves the current flag.
type BundleTemplate struct {
	ID               uuid.UUID         `json:"id"`
	Code             string            `json:"code" validate:"required"`
	Version          int               `json:"version"`
	Name             string            `json:"name" validate:"required"`
	Description      string            `json:"description,omitempty"`
	IsActive         bool              `json:"is_active"`
	IsCurrentVersion bool              `json:"is_current_version"`
	RequiredFlags    []string          `json:"required_flags"`
	ExcludedFlags    []string          `json:"excluded_flags"`
	PriorityWeight   float64           `json:"priority_weight" validate:"gte=0"`
	AutoRecommend    bool              `json:"auto_recommend"`
	MinADLSum        *float64          `json:"min_adl_sum,omitempty"`
	MaxADLSum        *float64          `json:"max_adl_sum,omitempty"`
	MinIADLSum       *float64          `json:"min_iadl_sum,omitempty"`
	MaxIADLSum       *float64          `json:"max_iadl_sum,omitempty"`
	Services         []ServiceLine     `json:"services" validate:"dive"`
	Rules            []EligibilityRule `json:"rules" validate:"dive"`
	CreatedBy        string            `json:"created_by,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// EffectiveWeight returns PriorityWeight, or DefaultPriorityWeight when unset.
func (t BundleTemplate) EffectiveWeight() float64 {
	if t.PriorityWeight <= 0 {
		return DefaultPriorityWeight
	}
	return t.PriorityWeight
}

// Eligible reports whether the template takes part in ranking at all.
func (t BundleTemplate) Eligible() bool {
	return t.IsActive && t.IsCurrentVersion
}

// Clone returns a deep copy, so a snapshot never shares slices with the source.
func (t BundleTemplate) Clone() BundleTemplate {
	out := t
	out.RequiredFlags = append([]string(nil), t.RequiredFlags...)
	out.ExcludedFlags = append([]string(nil), t.ExcludedFlags...)
	out.Services = append([]ServiceLine(nil), t.Services...)
	out.Rules = append([]EligibilityRule(nil), t.Rules...)
	out.MinADLSum = cloneFloat(t.MinADLSum)
	out.MaxADLSum = cloneFloat(t.MaxADLSum)
	out.MinIADLSum = cloneFloat(t.MinIADLSum)
	out.MaxIADLSum = cloneFloat(t.MaxIADLSum)
	return out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// RejectReason says why a template left the ranked set. Empty means ranked.
type RejectReason string

const (
	RejectExcludedFlag        RejectReason = "excluded_flag"
	RejectRequiredFlagMissing RejectReason = "required_flag_missing"
	RejectADLOutOfRange       RejectReason = "adl_out_of_range"
	RejectIADLOutOfRange      RejectReason = "iadl_out_of_range"
	RejectRequiredRuleFailed  RejectReason = "required_rule_failed"
	RejectEvaluationFault     RejectReason = "evaluation_fault"
)

// RuleOutcome is the evaluation of one eligibility rule with its leaf trace.
type RuleOutcome struct {
	RuleID   uuid.UUID          `json:"rule_id"`
	Name     string             `json:"name"`
	Required bool               `json:"required"`
	Weight   float64            `json:"weight"`
	Passed   bool               `json:"passed"`
	Fault    string             `json:"fault,omitempty"`
	Trace    []rules.LeafResult `json:"trace"`
}

// MatchResult is the outcome of one template against one attribute bag.
type MatchResult struct {
	TemplateID        uuid.UUID     `json:"template_id"`
	Code              string        `json:"code"`
	Version           int           `json:"version"`
	Name              string        `json:"name"`
	PriorityWeight    float64       `json:"priority_weight"`
	AutoRecommend     bool          `json:"auto_recommend"`
	Score             float64       `json:"score"`
	OptionalScore     float64       `json:"optional_score"`
	RequiredSatisfied bool          `json:"required_satisfied"`
	ExcludedTriggered bool          `json:"excluded_triggered"`
	Faulted           bool          `json:"faulted"`
	RejectReason      RejectReason  `json:"reject_reason,omitempty"`
	TriggeredFlags    []string      `json:"triggered_flags,omitempty"`
	MissingFlags      []string      `json:"missing_flags,omitempty"`
	Rules             []RuleOutcome `json:"rules"`
}

func (m MatchResult) CandidateID() uuid.UUID  { return m.TemplateID }
func (m MatchResult) CandidateScore() float64 { return m.Score }
func (m MatchResult) Recommendable() bool     { return m.RejectReason == "" }

// Ranking splits the evaluated templates into the recommendable set, best
// first, and the rejected set kept for audit.
type Ranking struct {
	Ranked   []MatchResult `json:"ranked"`
	Rejected []MatchResult `json:"rejected"`
}

// NoMatch reports that no template survived the hard gates. It is a valid
// outcome, not an error.
func (r *Ranking) NoMatch() bool { return len(r.Ranked) == 0 }

// All returns ranked results followed by rejected ones.
func (r *Ranking) All() []MatchResult {
	out := make([]MatchResult, 0, len(r.Ranked)+len(r.Rejected))
	out = append(out, r.Ranked...)
	return append(out, r.Rejected...)
}
