package recommendation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Insert writes the header and every entry, or nothing.
	Insert(ctx context.Context, l *Log) error
	Get(ctx context.Context, id uuid.UUID) (*Log, error)
	ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*Log, int, error)
	// SetOutcome fills the outcome columns only if they are still empty and
	// reports whether it did.
	SetOutcome(ctx context.Context, id uuid.UUID, o Outcome, at time.Time) (bool, error)
}
