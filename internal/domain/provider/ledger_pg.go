package provider

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/carelink/internal/platform/db"
	"github.com/carelink/carelink/internal/platform/metrics"
)

// PGLedger keeps utilization in the provider_capability row. The conditional
// UPDATE takes the row lock, so concurrent reservations serialize on it and
// the losers see the updated value.
type PGLedger struct{ pool *pgxpool.Pool }

func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

func (l *PGLedger) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return l.pool
}

func (l *PGLedger) Reserve(ctx context.Context, id uuid.UUID, hours float64) (Reservation, error) {
	if err := checkHours(hours); err != nil {
		return Reservation{}, err
	}
	res := Reservation{CapabilityID: id, Hours: hours}
	err := l.conn(ctx).QueryRow(ctx, `
		UPDATE provider_capability
		SET current_utilization_hours = round((current_utilization_hours + $2)::numeric, 6)::double precision,
			updated_at = NOW()
		WHERE id = $1 AND round((current_utilization_hours + $2)::numeric, 6)::double precision <= max_weekly_hours
		RETURNING current_utilization_hours, max_weekly_hours`,
		id, hours).Scan(&res.Utilization, &res.Max)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, err
	}

	// No row updated: either the capability is unknown or it is full.
	var current, max float64
	err = l.conn(ctx).QueryRow(ctx,
		`SELECT current_utilization_hours, max_weekly_hours FROM provider_capability WHERE id = $1`,
		id).Scan(&current, &max)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrNotFound
	}
	if err != nil {
		return Reservation{}, err
	}
	metrics.CapacityConflicts.WithLabelValues("postgres").Inc()
	return Reservation{}, &CapacityError{CapabilityID: id, Requested: hours, Available: roundHours(max - current)}
}

func (l *PGLedger) Release(ctx context.Context, id uuid.UUID, hours float64) error {
	if err := checkHours(hours); err != nil {
		return err
	}
	tag, err := l.conn(ctx).Exec(ctx, `
		UPDATE provider_capability
		SET current_utilization_hours = GREATEST(round((current_utilization_hours - $2)::numeric, 6)::double precision, 0),
			updated_at = NOW()
		WHERE id = $1`, id, hours)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
