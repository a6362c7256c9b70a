package bundle

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("bundle template not found")
	ErrDuplicateCode = errors.New("bundle template code already exists")

	// ErrVersionConflict means another revision of the code took the version
	// number first. The caller may retry.
	ErrVersionConflict = errors.New("bundle template version taken by a concurrent revision")
)

type Repository interface {
	// Create stores t as version 1, current, together with its rules.
	Create(ctx context.Context, t *BundleTemplate) error
	// Revise stores t as the next version of code and makes it the only current
	// version, atomically.
	Revise(ctx context.Context, code string, t *BundleTemplate) error
	GetByID(ctx context.Context, id uuid.UUID) (*BundleTemplate, error)
	GetCurrent(ctx context.Context, code string) (*BundleTemplate, error)
	ListVersions(ctx context.Context, code string) ([]*BundleTemplate, error)
	ListCurrent(ctx context.Context, limit, offset int) ([]*BundleTemplate, int, error)
	// ListEligible returns every active current template with its rules.
	ListEligible(ctx context.Context) ([]BundleTemplate, error)
}
