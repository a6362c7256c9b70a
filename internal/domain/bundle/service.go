package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/attribute"
	"github.com/carelink/carelink/internal/domain/recommendation"
	"github.com/carelink/carelink/internal/domain/rules"
)

var ErrNoAttributes = errors.New("either assessment or attributes is required")

// Recorder persists a ranking before it is returned to the caller.
type Recorder interface {
	Log(ctx context.Context, req recommendation.LogRequest) (uuid.UUID, error)
}

type Service struct {
	repo     Repository
	matcher  *Matcher
	recorder Recorder
	schema   attribute.Schema
	maxDepth int
	log      zerolog.Logger
}

func NewService(repo Repository, matcher *Matcher, recorder Recorder, schema attribute.Schema, maxDepth int, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		matcher:  matcher,
		recorder: recorder,
		schema:   schema,
		maxDepth: maxDepth,
		log:      log.With().Str("component", "bundle").Logger(),
	}
}

// RankRequest asks for template recommendations for one patient. Attributes,
// when given, are used as-is; otherwise the bag is built from Assessment.
type RankRequest struct {
	PatientID   uuid.UUID             `json:"patient_id" validate:"required"`
	Assessment  *attribute.Assessment `json:"assessment,omitempty"`
	Attributes  *attribute.Bag        `json:"attributes,omitempty"`
	RequestedBy string                `json:"-"`
}

func (r RankRequest) Bag() (attribute.Bag, error) {
	switch {
	case r.Attributes != nil:
		return *r.Attributes, nil
	case r.Assessment != nil:
		return attribute.FromAssessment(*r.Assessment), nil
	}
	return attribute.Bag{}, ErrNoAttributes
}

// Recommendation is a logged ranking. LogID identifies the audit record the
// outcome is later recorded against.
type Recommendation struct {
	LogID    uuid.UUID     `json:"log_id"`
	NoMatch  bool          `json:"no_match"`
	Ranked   []MatchResult `json:"ranked"`
	Rejected []MatchResult `json:"rejected"`
}

// RecommendTemplates ranks every eligible template for the patient and logs
// the full result. If the log cannot be written the recommendation is not
// returned.
func (s *Service) RecommendTemplates(ctx context.Context, req RankRequest) (*Recommendation, error) {
	if req.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", recommendation.ErrInvalidRequest)
	}
	bag, err := req.Bag()
	if err != nil {
		return nil, err
	}
	templates, err := s.repo.ListEligible(ctx)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	ranking, err := s.matcher.Rank(ctx, bag, templates)
	if err != nil {
		return nil, err
	}

	all := ranking.All()
	candidates := make([]recommendation.Candidate, len(all))
	for i := range all {
		candidates[i] = all[i]
	}
	var selected *uuid.UUID
	if !ranking.NoMatch() {
		id := ranking.Ranked[0].TemplateID
		selected = &id
	}
	logID, err := s.recorder.Log(ctx, recommendation.LogRequest{
		Kind:        recommendation.KindTemplate,
		SubjectID:   req.PatientID,
		RequestedBy: req.RequestedBy,
		Candidates:  candidates,
		SelectedID:  selected,
		Context:     map[string]interface{}{"attributes": bag, "templates_considered": len(all)},
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("log_id", logID.String()).
		Str("patient_id", req.PatientID.String()).
		Int("ranked", len(ranking.Ranked)).
		Int("rejected", len(ranking.Rejected)).
		Msg("templates ranked")
	return &Recommendation{
		LogID:    logID,
		NoMatch:  ranking.NoMatch(),
		Ranked:   ranking.Ranked,
		Rejected: ranking.Rejected,
	}, nil
}

// ValidateCondition checks a single tree against the configured schema.
func (s *Service) ValidateCondition(c rules.Condition) error {
	return rules.Validate(c, s.schema, s.maxDepth)
}

// ValidateTemplate normalizes t in place and rejects anything that must not
// be stored.
func (s *Service) ValidateTemplate(t *BundleTemplate) error {
	t.Code = strings.TrimSpace(t.Code)
	if t.Code == "" {
		return &rules.ConfigurationError{Field: "code", Reason: "code is required"}
	}
	if strings.TrimSpace(t.Name) == "" {
		return &rules.ConfigurationError{Field: "name", Reason: "name is required"}
	}
	if t.PriorityWeight < 0 {
		return &rules.ConfigurationError{Field: "priority_weight", Reason: "must not be negative"}
	}
	t.RequiredFlags = normalizeFlags(t.RequiredFlags)
	t.ExcludedFlags = normalizeFlags(t.ExcludedFlags)
	for _, f := range t.RequiredFlags {
		for _, x := range t.ExcludedFlags {
			if f == x {
				return &rules.ConfigurationError{Field: f, Reason: "flag is both required and excluded"}
			}
		}
	}
	if err := checkBounds("adl_sum", t.MinADLSum, t.MaxADLSum); err != nil {
		return err
	}
	if err := checkBounds("iadl_sum", t.MinIADLSum, t.MaxIADLSum); err != nil {
		return err
	}
	for i, sl := range t.Services {
		if strings.TrimSpace(sl.ServiceCode) == "" {
			return &rules.ConfigurationError{Path: fmt.Sprintf("services[%d]", i), Reason: "service_code is required"}
		}
		if sl.FrequencyPerWeek < 0 || sl.DurationMinutes < 0 {
			return &rules.ConfigurationError{Path: fmt.Sprintf("services[%d]", i), Reason: "frequency and duration must not be negative"}
		}
	}
	for i, rule := range t.Rules {
		if err := rules.Validate(rule.Condition, s.schema, s.maxDepth); err != nil {
			var cfgErr *rules.ConfigurationError
			if errors.As(err, &cfgErr) {
				return &rules.ConfigurationError{
					Path:   fmt.Sprintf("rules[%d].%s", i, cfgErr.Path),
					Field:  cfgErr.Field,
					Reason: cfgErr.Reason,
				}
			}
			return err
		}
	}
	return nil
}

func checkBounds(name string, min, max *float64) error {
	if min != nil && max != nil && *min > *max {
		return &rules.ConfigurationError{Field: name, Reason: fmt.Sprintf("min %v is above max %v", *min, *max)}
	}
	return nil
}

func normalizeFlags(flags []string) []string {
	out := make([]string, 0, len(flags))
	seen := make(map[string]bool, len(flags))
	for _, f := range flags {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func (s *Service) CreateTemplate(ctx context.Context, t *BundleTemplate) error {
	if err := s.ValidateTemplate(t); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return err
	}
	s.log.Info().Str("code", t.Code).Int("version", t.Version).Msg("template created")
	return nil
}

// ReviseTemplate stores t as the next version of code. Earlier versions and
// any care plan snapshots taken from them are left untouched.
func (s *Service) ReviseTemplate(ctx context.Context, code string, t *BundleTemplate) error {
	t.Code = code
	if err := s.ValidateTemplate(t); err != nil {
		return err
	}
	if err := s.repo.Revise(ctx, t.Code, t); err != nil {
		return err
	}
	s.log.Info().Str("code", t.Code).Int("version", t.Version).Msg("template revised")
	return nil
}

func (s *Service) GetTemplate(ctx context.Context, id uuid.UUID) (*BundleTemplate, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetCurrent(ctx context.Context, code string) (*BundleTemplate, error) {
	return s.repo.GetCurrent(ctx, code)
}

func (s *Service) ListVersions(ctx context.Context, code string) ([]*BundleTemplate, error) {
	return s.repo.ListVersions(ctx, code)
}

func (s *Service) ListTemplates(ctx context.Context, limit, offset int) ([]*BundleTemplate, int, error) {
	return s.repo.ListCurrent(ctx, limit, offset)
}

// ImportResult counts what an import did per template code.
type ImportResult struct {
	Created   []string `json:"created"`
	Revised   []string `json:"revised"`
	Unchanged []string `json:"unchanged"`
}

// Import loads a catalog. New codes are created, changed ones revised, and
// identical ones skipped so re-running an import does not bump versions.
// Every template is validated before anything is written.
func (s *Service) Import(ctx context.Context, templates []BundleTemplate, createdBy string) (*ImportResult, error) {
	for i := range templates {
		if err := s.ValidateTemplate(&templates[i]); err != nil {
			return nil, fmt.Errorf("template %q: %w", templates[i].Code, err)
		}
	}
	res := &ImportResult{Created: []string{}, Revised: []string{}, Unchanged: []string{}}
	for i := range templates {
		t := &templates[i]
		t.CreatedBy = createdBy
		current, err := s.repo.GetCurrent(ctx, t.Code)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := s.repo.Create(ctx, t); err != nil {
				return res, fmt.Errorf("create %s: %w", t.Code, err)
			}
			res.Created = append(res.Created, t.Code)
		case err != nil:
			return res, fmt.Errorf("load %s: %w", t.Code, err)
		case sameContent(*current, *t):
			res.Unchanged = append(res.Unchanged, t.Code)
		default:
			if err := s.repo.Revise(ctx, t.Code, t); err != nil {
				return res, fmt.Errorf("revise %s: %w", t.Code, err)
			}
			res.Revised = append(res.Revised, t.Code)
		}
	}
	s.log.Info().
		Int("created", len(res.Created)).
		Int("revised", len(res.Revised)).
		Int("unchanged", len(res.Unchanged)).
		Msg("catalog imported")
	return res, nil
}

// sameContent compares the parts of two templates an author controls.
func sameContent(a, b BundleTemplate) bool {
	ka, errA := contentKey(a)
	kb, errB := contentKey(b)
	return errA == nil && errB == nil && ka == kb
}

func contentKey(t BundleTemplate) (string, error) {
	type ruleContent struct {
		Name       string
		Condition  rules.Condition
		Priority   int
		IsRequired bool
		IsActive   bool
	}
	rs := make([]ruleContent, len(t.Rules))
	for i, r := range t.Rules {
		rs[i] = ruleContent{r.Name, r.Condition, r.Priority, r.IsRequired, r.IsActive}
	}
	key := struct {
		Name, Description            string
		IsActive, AutoRecommend      bool
		RequiredFlags, ExcludedFlags []string
		PriorityWeight               float64
		Bounds                       [4]*float64
		Services                     []ServiceLine
		Rules                        []ruleContent
	}{
		t.Name, t.Description, t.IsActive, t.AutoRecommend,
		normalizeFlags(t.RequiredFlags), normalizeFlags(t.ExcludedFlags),
		t.EffectiveWeight(),
		[4]*float64{t.MinADLSum, t.MaxADLSum, t.MinIADLSum, t.MaxIADLSum},
		t.Services, rs,
	}
	if len(key.Services) == 0 {
		key.Services = nil
	}
	data, err := json.Marshal(key)
	return string(data), err
}
