package bundle

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/carelink/carelink/internal/domain/rules"
)

func TestMapWriteError(t *testing.T) {
	unique := func(constraint string) error {
		return &pgconn.PgError{Code: "23505", ConstraintName: constraint}
	}
	other := errors.New("connection reset")

	tests := []struct {
		name     string
		conflict error
		err      error
		want     error
	}{
		{"taken version on revise", ErrVersionConflict, unique("bundle_template_code_version"), ErrVersionConflict},
		{"taken version on create", ErrDuplicateCode, unique("bundle_template_code_version"), ErrDuplicateCode},
		{"second current version", ErrVersionConflict, unique("bundle_template_one_current"), rules.ErrInvalidConfiguration},
		{"other unique index", ErrVersionConflict, unique("something_else"), ErrDuplicateCode},
		{"not a unique violation", ErrVersionConflict, &pgconn.PgError{Code: "40001"}, nil},
		{"plain error", ErrVersionConflict, other, other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapWriteError("DEM", 3, tt.conflict, tt.err)
			if tt.want == nil {
				if got != tt.err {
					t.Errorf("expected the error unchanged, got %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
