package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/recommendation"
)

// Recorder persists rankings and the decisions taken on them.
type Recorder interface {
	Log(ctx context.Context, req recommendation.LogRequest) (uuid.UUID, error)
	RecordOutcome(ctx context.Context, logID uuid.UUID, o recommendation.Outcome) (*recommendation.Log, error)
}

type Service struct {
	repo     Repository
	matcher  *Matcher
	ledger   Ledger
	recorder Recorder
	log      zerolog.Logger
}

func NewService(repo Repository, matcher *Matcher, ledger Ledger, recorder Recorder, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		matcher:  matcher,
		ledger:   ledger,
		recorder: recorder,
		log:      log.With().Str("component", "provider").Logger(),
	}
}

// Recommendation is a logged provider ranking.
type Recommendation struct {
	LogID    uuid.UUID     `json:"log_id"`
	NoMatch  bool          `json:"no_match"`
	Ranked   []MatchResult `json:"ranked"`
	Excluded []MatchResult `json:"excluded"`
}

// FindMatches ranks every capability for the request's service type using the
// ledger's current utilization, then logs the full result.
func (s *Service) FindMatches(ctx context.Context, req ServiceRequest, requestedBy string) (*Recommendation, error) {
	if req.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidRequest)
	}
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	caps, err := s.repo.ListByServiceType(ctx, req.ServiceTypeID)
	if err != nil {
		return nil, fmt.Errorf("load capabilities: %w", err)
	}
	if err := s.overlay(ctx, caps); err != nil {
		return nil, err
	}

	matches, err := s.matcher.FindMatches(ctx, req, caps)
	if err != nil {
		return nil, err
	}

	all := matches.All()
	candidates := make([]recommendation.Candidate, len(all))
	for i := range all {
		candidates[i] = all[i]
	}
	var selected *uuid.UUID
	if !matches.NoMatch() {
		id := matches.Ranked[0].CapabilityID
		selected = &id
	}
	logID, err := s.recorder.Log(ctx, recommendation.LogRequest{
		Kind:        recommendation.KindProvider,
		SubjectID:   req.PatientID,
		RequestedBy: requestedBy,
		Candidates:  candidates,
		SelectedID:  selected,
		Context:     map[string]interface{}{"request": req, "weights": s.matcher.Weights()},
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("log_id", logID.String()).
		Str("request_id", req.ID.String()).
		Str("service_type", req.ServiceTypeID).
		Int("ranked", len(matches.Ranked)).
		Int("excluded", len(matches.Excluded)).
		Msg("providers ranked")
	return &Recommendation{
		LogID:    logID,
		NoMatch:  matches.NoMatch(),
		Ranked:   matches.Ranked,
		Excluded: matches.Excluded,
	}, nil
}

// overlay registers caps with a counter-keeping ledger and replaces their
// stored utilization with the ledger's.
func (s *Service) overlay(ctx context.Context, caps []ProviderCapability) error {
	if len(caps) == 0 {
		return nil
	}
	if seeder, ok := s.ledger.(Seeder); ok {
		if err := seeder.Seed(ctx, caps); err != nil {
			return err
		}
	}
	snap, ok := s.ledger.(Snapshotter)
	if !ok {
		return nil
	}
	ids := make([]uuid.UUID, len(caps))
	for i := range caps {
		ids[i] = caps[i].ID
	}
	current, err := snap.Utilization(ctx, ids)
	if err != nil {
		return err
	}
	for i := range caps {
		if v, ok := current[caps[i].ID]; ok {
			caps[i].CurrentUtilizationHours = v
		}
	}
	return nil
}

// AssignmentRequest commits hours against a capability, optionally closing a
// logged recommendation with the decision.
type AssignmentRequest struct {
	CapabilityID   uuid.UUID                    `json:"capability_id" validate:"required"`
	Hours          float64                      `json:"hours" validate:"gt=0"`
	LogID          *uuid.UUID                   `json:"log_id,omitempty"`
	Outcome        recommendation.OutcomeStatus `json:"outcome,omitempty" validate:"omitempty,oneof=accepted modified"`
	OverrideReason string                       `json:"override_reason,omitempty"`
	DecidedBy      string                       `json:"-"`
}

type Assignment struct {
	Reservation    Reservation         `json:"reservation"`
	Recommendation *recommendation.Log `json:"recommendation,omitempty"`
}

// CommitAssignment reserves capacity first. If recording the outcome then
// fails, the reservation is released again so no hours leak.
func (s *Service) CommitAssignment(ctx context.Context, req AssignmentRequest) (*Assignment, error) {
	if req.CapabilityID == uuid.Nil {
		return nil, fmt.Errorf("%w: capability_id is required", ErrInvalidRequest)
	}
	if err := checkHours(req.Hours); err != nil {
		return nil, err
	}
	c, err := s.repo.Get(ctx, req.CapabilityID)
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, fmt.Errorf("%w: capability %s is inactive", ErrInvalidRequest, c.ID)
	}
	if seeder, ok := s.ledger.(Seeder); ok {
		if err := seeder.Seed(ctx, []ProviderCapability{*c}); err != nil {
			return nil, err
		}
	}

	res, err := s.ledger.Reserve(ctx, req.CapabilityID, req.Hours)
	if err != nil {
		return nil, err
	}
	out := &Assignment{Reservation: res}
	if req.LogID == nil {
		s.logAssignment(res, nil)
		return out, nil
	}

	status := req.Outcome
	if status == "" {
		status = recommendation.OutcomeAccepted
	}
	final := req.CapabilityID
	entry, err := s.recorder.RecordOutcome(ctx, *req.LogID, recommendation.Outcome{
		Status:           status,
		FinalCandidateID: &final,
		DecidedBy:        req.DecidedBy,
		OverrideReason:   req.OverrideReason,
	})
	if err != nil {
		if relErr := s.ledger.Release(ctx, req.CapabilityID, req.Hours); relErr != nil {
			s.log.Error().Err(relErr).
				Str("capability_id", req.CapabilityID.String()).
				Float64("hours", req.Hours).
				Msg("release after failed outcome")
		}
		return nil, err
	}
	out.Recommendation = entry
	s.logAssignment(res, req.LogID)
	return out, nil
}

func (s *Service) logAssignment(res Reservation, logID *uuid.UUID) {
	ev := s.log.Info().
		Str("capability_id", res.CapabilityID.String()).
		Float64("hours", res.Hours).
		Float64("utilization", res.Utilization).
		Float64("max", res.Max)
	if logID != nil {
		ev = ev.Str("log_id", logID.String())
	}
	ev.Msg("capacity reserved")
}

type ReleaseRequest struct {
	CapabilityID uuid.UUID `json:"capability_id" validate:"required"`
	Hours        float64   `json:"hours" validate:"gt=0"`
}

func (s *Service) Release(ctx context.Context, req ReleaseRequest) error {
	if err := s.ledger.Release(ctx, req.CapabilityID, req.Hours); err != nil {
		return err
	}
	s.log.Info().
		Str("capability_id", req.CapabilityID.String()).
		Float64("hours", req.Hours).
		Msg("capacity released")
	return nil
}

// GetCapability returns the stored capability with the ledger's utilization.
func (s *Service) GetCapability(ctx context.Context, id uuid.UUID) (*ProviderCapability, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	caps := []ProviderCapability{*c}
	if err := s.overlay(ctx, caps); err != nil {
		return nil, err
	}
	return &caps[0], nil
}

func (s *Service) UpsertCapability(ctx context.Context, c *ProviderCapability) error {
	if !c.ProviderType.Valid() {
		return fmt.Errorf("%w: provider_type %q", ErrInvalidRequest, c.ProviderType)
	}
	if c.CurrentUtilizationHours > c.MaxWeeklyHours {
		return fmt.Errorf("%w: current utilization exceeds max_weekly_hours", ErrInvalidRequest)
	}
	if c.EffectiveDate.IsZero() {
		return fmt.Errorf("%w: effective_date is required", ErrInvalidRequest)
	}
	if c.ExpiryDate != nil && c.ExpiryDate.Before(c.EffectiveDate) {
		return fmt.Errorf("%w: expiry_date is before effective_date", ErrInvalidRequest)
	}
	if c.LatestEnd != 0 && c.LatestEnd <= c.EarliestStart {
		return fmt.Errorf("%w: latest_end must be after earliest_start", ErrInvalidRequest)
	}
	existing, err := s.repo.ListByServiceType(ctx, c.ServiceTypeID)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ProviderID == c.ProviderID && other.ID != c.ID {
			return fmt.Errorf("%w: provider %s already offers %s as capability %s",
				ErrDuplicatePair, c.ProviderID, c.ServiceTypeID, other.ID)
		}
	}
	if err := s.repo.Upsert(ctx, c); err != nil {
		return err
	}
	caps := []ProviderCapability{*c}
	if err := s.overlay(ctx, caps); err != nil {
		return err
	}
	*c = caps[0]
	return nil
}
