// Package recommendation keeps the audit trail of every recommendation the
// matchers issue and the human decision that closed it.
package recommendation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindTemplate Kind = "template"
	KindProvider Kind = "provider"
)

func (k Kind) Valid() bool { return k == KindTemplate || k == KindProvider }

// Candidate is implemented by the match results of both matchers.
type Candidate interface {
	CandidateID() uuid.UUID
	CandidateScore() float64
	Recommendable() bool
}

type OutcomeStatus string

const (
	OutcomeAccepted OutcomeStatus = "accepted"
	OutcomeModified OutcomeStatus = "modified"
	OutcomeRejected OutcomeStatus = "rejected"
)

var validOutcomes = map[OutcomeStatus]bool{
	OutcomeAccepted: true, OutcomeModified: true, OutcomeRejected: true,
}

// Log is one issued recommendation. The header and entries are written once;
// only the outcome columns are filled in later, exactly once.
type Log struct {
	ID                  uuid.UUID       `json:"id"`
	Kind                Kind            `json:"kind"`
	SubjectID           uuid.UUID       `json:"subject_id"`
	RequestedBy         string          `json:"requested_by"`
	CandidateCount      int             `json:"candidate_count"`
	RankedCount         int             `json:"ranked_count"`
	SelectedCandidateID *uuid.UUID      `json:"selected_candidate_id,omitempty"`
	Context             json.RawMessage `json:"context,omitempty"`
	Outcome             *OutcomeStatus  `json:"outcome,omitempty"`
	FinalCandidateID    *uuid.UUID      `json:"final_candidate_id,omitempty"`
	DecidedBy           *string         `json:"decided_by,omitempty"`
	OverrideReason      *string         `json:"override_reason,omitempty"`
	Modifications       json.RawMessage `json:"modifications,omitempty"`
	OutcomeRecordedAt   *time.Time      `json:"outcome_recorded_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	Entries             []Entry         `json:"entries,omitempty"`
}

// HasCandidate reports whether id was one of the logged candidates.
func (l *Log) HasCandidate(id uuid.UUID) bool {
	for _, e := range l.Entries {
		if e.CandidateID == id {
			return true
		}
	}
	return false
}

// Entry is one candidate as it was scored. Rank is set for recommendable
// candidates only, starting at 1.
type Entry struct {
	LogID             uuid.UUID       `json:"log_id"`
	Position          int             `json:"position"`
	Rank              *int            `json:"rank,omitempty"`
	CandidateID       uuid.UUID       `json:"candidate_id"`
	Score             float64         `json:"score"`
	Recommendable     bool            `json:"recommendable"`
	EvaluationResults json.RawMessage `json:"evaluation_results"`
	WasSelected       bool            `json:"was_selected"`
}

// LogRequest carries one ranking to be logged. Candidates keep the order the
// matcher produced; each is stored with its full JSON form as the trace.
type LogRequest struct {
	Kind        Kind
	SubjectID   uuid.UUID
	RequestedBy string
	Candidates  []Candidate
	SelectedID  *uuid.UUID
	Context     interface{}
}

// Outcome is the human decision on a logged recommendation.
type Outcome struct {
	Status           OutcomeStatus   `json:"outcome" validate:"required,oneof=accepted modified rejected"`
	FinalCandidateID *uuid.UUID      `json:"final_candidate_id,omitempty"`
	DecidedBy        string          `json:"decided_by,omitempty"`
	OverrideReason   string          `json:"override_reason,omitempty"`
	Modifications    json.RawMessage `json:"modifications,omitempty"`
}

// Event is what the learning-loop stream receives for each durable write.
type Event struct {
	Type             string         `json:"type"`
	LogID            uuid.UUID      `json:"log_id"`
	Kind             Kind           `json:"kind"`
	SubjectID        uuid.UUID      `json:"subject_id"`
	CandidateCount   int            `json:"candidate_count"`
	RankedCount      int            `json:"ranked_count"`
	SelectedID       *uuid.UUID     `json:"selected_candidate_id,omitempty"`
	Outcome          *OutcomeStatus `json:"outcome,omitempty"`
	FinalCandidateID *uuid.UUID     `json:"final_candidate_id,omitempty"`
	At               time.Time      `json:"at"`
}
