package careplan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/bundle"
	"github.com/carelink/carelink/internal/domain/recommendation"
)

var ErrInvalidRequest = errors.New("invalid care plan request")

// TemplateSource resolves a template version by ID.
type TemplateSource interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (*bundle.BundleTemplate, error)
}

// OutcomeRecorder closes the recommendation a plan was chosen from.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, logID uuid.UUID, o recommendation.Outcome) (*recommendation.Log, error)
}

// TxRunner runs fn so that every repository call made with its context commits
// or rolls back together.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

type Service struct {
	repo      Repository
	templates TemplateSource
	recorder  OutcomeRecorder
	runTx     TxRunner
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, templates TemplateSource, recorder OutcomeRecorder, runTx TxRunner, log zerolog.Logger) *Service {
	if runTx == nil {
		runTx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	return &Service{
		repo:      repo,
		templates: templates,
		recorder:  recorder,
		runTx:     runTx,
		log:       log.With().Str("component", "careplan").Logger(),
		now:       time.Now,
	}
}

// SelectRequest picks a template version for a patient. With a LogID the
// choice is also recorded as the outcome of that template recommendation.
type SelectRequest struct {
	PatientID      uuid.UUID                    `json:"patient_id" validate:"required"`
	TemplateID     uuid.UUID                    `json:"template_id" validate:"required"`
	LogID          *uuid.UUID                   `json:"log_id,omitempty"`
	Outcome        recommendation.OutcomeStatus `json:"outcome,omitempty" validate:"omitempty,oneof=accepted modified"`
	OverrideReason string                       `json:"override_reason,omitempty"`
	Note           string                       `json:"note,omitempty"`
	SelectedBy     string                       `json:"-"`
}

// SelectTemplate creates a draft plan holding a deep copy of the template as
// it is now.
func (s *Service) SelectTemplate(ctx context.Context, req SelectRequest) (*CarePlan, error) {
	if req.PatientID == uuid.Nil || req.TemplateID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id and template_id are required", ErrInvalidRequest)
	}
	t, err := s.templates.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if !t.IsActive {
		return nil, fmt.Errorf("%w: template %s v%d is inactive", ErrInvalidRequest, t.Code, t.Version)
	}

	plan := &CarePlan{
		ID:                  uuid.New(),
		PatientID:           req.PatientID,
		TemplateID:          t.ID,
		TemplateCode:        t.Code,
		TemplateVersion:     t.Version,
		Snapshot:            t.Clone(),
		RecommendationLogID: req.LogID,
		Status:              StatusDraft,
		SelectedBy:          req.SelectedBy,
		Note:                req.Note,
	}
	err = s.runTx(ctx, func(ctx context.Context) error {
		if req.LogID != nil {
			status := req.Outcome
			if status == "" {
				status = recommendation.OutcomeAccepted
			}
			final := t.ID
			if _, err := s.recorder.RecordOutcome(ctx, *req.LogID, recommendation.Outcome{
				Status:           status,
				FinalCandidateID: &final,
				DecidedBy:        req.SelectedBy,
				OverrideReason:   req.OverrideReason,
			}); err != nil {
				return err
			}
		}
		return s.repo.Create(ctx, plan)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("care_plan_id", plan.ID.String()).
		Str("patient_id", plan.PatientID.String()).
		Str("template", t.Code).
		Int("version", t.Version).
		Msg("template selected")
	return plan, nil
}

// Approve finalizes a draft. Approving twice, even concurrently, fails with
// ErrAlreadyApproved.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, approvedBy string) (*CarePlan, error) {
	plan, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.Approved() {
		return nil, ErrAlreadyApproved
	}
	at := s.now().UTC()
	ok, err := s.repo.Approve(ctx, id, approvedBy, at)
	if err != nil {
		return nil, fmt.Errorf("approve care plan: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyApproved
	}
	plan.Status = StatusApproved
	plan.ApprovedBy = &approvedBy
	plan.ApprovedAt = &at
	plan.UpdatedAt = at

	s.log.Info().Str("care_plan_id", id.String()).Str("approved_by", approvedBy).Msg("care plan approved")
	return plan, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*CarePlan, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*CarePlan, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}
