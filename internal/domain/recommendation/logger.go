package recommendation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/db"
	"github.com/carelink/carelink/internal/platform/metrics"
)

var (
	ErrNotFound         = errors.New("recommendation log not found")
	ErrOutcomeRecorded  = errors.New("outcome already recorded")
	ErrInvalidRequest   = errors.New("invalid recommendation log request")
	ErrInvalidOutcome   = errors.New("invalid outcome")
	ErrUnknownCandidate = errors.New("candidate is not part of the recommendation")
)

// Exporter receives events after they are durably written. It is never on the
// path that decides whether a recommendation was issued.
type Exporter interface {
	Export(ctx context.Context, ev Event) error
}

// Logger is the only writer of recommendation logs.
type Logger struct {
	repo     Repository
	exporter Exporter
	log      zerolog.Logger
	now      func() time.Time
}

func NewLogger(repo Repository, exporter Exporter, log zerolog.Logger) *Logger {
	return &Logger{repo: repo, exporter: exporter, log: log, now: time.Now}
}

// Log writes one recommendation with every candidate, synchronously. When it
// returns an error nothing was persisted and the recommendation must be
// treated as not issued. Identical requests produce distinct logs.
func (l *Logger) Log(ctx context.Context, req LogRequest) (uuid.UUID, error) {
	entry, err := l.build(req)
	if err != nil {
		return uuid.Nil, err
	}
	if err := l.repo.Insert(ctx, entry); err != nil {
		metrics.RecommendationsLogged.WithLabelValues(string(req.Kind), "error").Inc()
		return uuid.Nil, fmt.Errorf("write recommendation log: %w", err)
	}
	metrics.RecommendationsLogged.WithLabelValues(string(req.Kind), "ok").Inc()

	l.export(ctx, Event{
		Type:           "recommendation.logged",
		LogID:          entry.ID,
		Kind:           entry.Kind,
		SubjectID:      entry.SubjectID,
		CandidateCount: entry.CandidateCount,
		RankedCount:    entry.RankedCount,
		SelectedID:     entry.SelectedCandidateID,
		At:             entry.CreatedAt,
	})
	return entry.ID, nil
}

func (l *Logger) build(req LogRequest) (*Log, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidRequest, req.Kind)
	}
	if req.SubjectID == uuid.Nil {
		return nil, fmt.Errorf("%w: subject_id is required", ErrInvalidRequest)
	}

	out := &Log{
		ID:                  uuid.New(),
		Kind:                req.Kind,
		SubjectID:           req.SubjectID,
		RequestedBy:         req.RequestedBy,
		CandidateCount:      len(req.Candidates),
		SelectedCandidateID: req.SelectedID,
		CreatedAt:           l.now().UTC(),
	}
	if req.Context != nil {
		raw, err := json.Marshal(req.Context)
		if err != nil {
			return nil, fmt.Errorf("%w: encode context: %v", ErrInvalidRequest, err)
		}
		out.Context = raw
	}

	selectedSeen := req.SelectedID == nil
	rank := 0
	for i, c := range req.Candidates {
		results, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("%w: encode candidate %s: %v", ErrInvalidRequest, c.CandidateID(), err)
		}
		e := Entry{
			LogID:             out.ID,
			Position:          i,
			CandidateID:       c.CandidateID(),
			Score:             c.CandidateScore(),
			Recommendable:     c.Recommendable(),
			EvaluationResults: results,
		}
		if e.Recommendable {
			rank++
			r := rank
			e.Rank = &r
		}
		if req.SelectedID != nil && *req.SelectedID == e.CandidateID {
			e.WasSelected = true
			selectedSeen = true
		}
		out.Entries = append(out.Entries, e)
	}
	if !selectedSeen {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCandidate, *req.SelectedID)
	}
	out.RankedCount = rank
	return out, nil
}

// RecordOutcome closes the loop on a logged recommendation. The outcome is
// written once; a second decision gets ErrOutcomeRecorded even when two race.
func (l *Logger) RecordOutcome(ctx context.Context, logID uuid.UUID, o Outcome) (*Log, error) {
	if !validOutcomes[o.Status] {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidOutcome, o.Status)
	}
	entry, err := l.repo.Get(ctx, logID)
	if err != nil {
		return nil, err
	}
	if entry.Outcome != nil {
		return nil, ErrOutcomeRecorded
	}
	if err := checkOutcome(entry, &o); err != nil {
		return nil, err
	}

	at := l.now().UTC()
	ok, err := l.repo.SetOutcome(ctx, logID, o, at)
	if err != nil {
		return nil, fmt.Errorf("record outcome: %w", err)
	}
	if !ok {
		return nil, ErrOutcomeRecorded
	}

	status := o.Status
	entry.Outcome = &status
	entry.FinalCandidateID = o.FinalCandidateID
	entry.DecidedBy = &o.DecidedBy
	if o.OverrideReason != "" {
		entry.OverrideReason = &o.OverrideReason
	}
	entry.Modifications = o.Modifications
	entry.OutcomeRecordedAt = &at

	l.export(ctx, Event{
		Type:             "recommendation.outcome",
		LogID:            entry.ID,
		Kind:             entry.Kind,
		SubjectID:        entry.SubjectID,
		CandidateCount:   entry.CandidateCount,
		RankedCount:      entry.RankedCount,
		SelectedID:       entry.SelectedCandidateID,
		Outcome:          entry.Outcome,
		FinalCandidateID: entry.FinalCandidateID,
		At:               at,
	})
	return entry, nil
}

// checkOutcome applies the decision rules. An accepted outcome without a final
// candidate takes the recommended one.
func checkOutcome(entry *Log, o *Outcome) error {
	if o.Status == OutcomeAccepted && o.FinalCandidateID == nil && entry.SelectedCandidateID != nil {
		id := *entry.SelectedCandidateID
		o.FinalCandidateID = &id
	}
	if o.Status != OutcomeRejected && o.FinalCandidateID == nil {
		return fmt.Errorf("%w: %s needs final_candidate_id", ErrInvalidOutcome, o.Status)
	}
	if o.FinalCandidateID != nil && !entry.HasCandidate(*o.FinalCandidateID) {
		return fmt.Errorf("%w: %s", ErrUnknownCandidate, *o.FinalCandidateID)
	}

	overridden := o.Status != OutcomeAccepted
	if o.FinalCandidateID != nil && (entry.SelectedCandidateID == nil || *entry.SelectedCandidateID != *o.FinalCandidateID) {
		overridden = true
	}
	if overridden && o.OverrideReason == "" {
		return fmt.Errorf("%w: override_reason is required", ErrInvalidOutcome)
	}
	if len(o.Modifications) > 0 && !json.Valid(o.Modifications) {
		return fmt.Errorf("%w: modifications must be JSON", ErrInvalidOutcome)
	}
	return nil
}

// export publishes ev once the write behind it is durable: right away outside
// a transaction, after commit inside one, never if it rolls back.
func (l *Logger) export(ctx context.Context, ev Event) {
	if l.exporter == nil {
		return
	}
	db.AfterCommit(ctx, func() {
		if err := l.exporter.Export(ctx, ev); err != nil {
			l.log.Warn().Err(err).Str("log_id", ev.LogID.String()).Str("event", ev.Type).
				Msg("learning-loop export failed")
		}
	})
}

func (l *Logger) Get(ctx context.Context, id uuid.UUID) (*Log, error) {
	return l.repo.Get(ctx, id)
}

func (l *Logger) ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*Log, int, error) {
	return l.repo.ListBySubject(ctx, subjectID, limit, offset)
}
