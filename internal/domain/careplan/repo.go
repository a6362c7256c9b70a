package careplan

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("care plan not found")
	ErrAlreadyApproved = errors.New("care plan is approved and can no longer change")
)

type Repository interface {
	Create(ctx context.Context, p *CarePlan) error
	GetByID(ctx context.Context, id uuid.UUID) (*CarePlan, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*CarePlan, int, error)
	// Approve moves a draft to approved. It reports false when the plan was
	// no longer a draft.
	Approve(ctx context.Context, id uuid.UUID, by string, at time.Time) (bool, error)
}
