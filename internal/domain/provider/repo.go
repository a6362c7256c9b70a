package provider

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("provider capability not found")

// ErrDuplicatePair means the provider already has a capability row for the
// service type. Each pair owns exactly one capacity counter.
var ErrDuplicatePair = errors.New("provider already has a capability for this service type")

type Repository interface {
	// ListByServiceType returns every capability offering serviceTypeID,
	// active or not, so exclusions can be reported.
	ListByServiceType(ctx context.Context, serviceTypeID string) ([]ProviderCapability, error)
	Get(ctx context.Context, id uuid.UUID) (*ProviderCapability, error)
	// Upsert writes the descriptive columns. Utilization is only set on insert;
	// afterwards the ledger owns it.
	Upsert(ctx context.Context, c *ProviderCapability) error
}
