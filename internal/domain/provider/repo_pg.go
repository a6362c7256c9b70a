package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/carelink/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const capabilityCols = `id, provider_id, provider_name, provider_type, service_type_id, service_category,
	is_active, max_weekly_hours, current_utilization_hours, quality_score, acceptance_rate,
	completion_rate, hourly_rate, effective_date, expiry_date, earliest_start, latest_end,
	available_days, service_areas, regions, min_notice_hours, special_capabilities, languages,
	updated_at`

func scanCapability(row pgx.Row) (*ProviderCapability, error) {
	var c ProviderCapability
	var start, end string
	err := row.Scan(&c.ID, &c.ProviderID, &c.ProviderName, &c.ProviderType, &c.ServiceTypeID, &c.ServiceCategory,
		&c.IsActive, &c.MaxWeeklyHours, &c.CurrentUtilizationHours, &c.QualityScore, &c.AcceptanceRate,
		&c.CompletionRate, &c.HourlyRate, &c.EffectiveDate, &c.ExpiryDate, &start, &end,
		&c.AvailableDays, &c.ServiceAreas, &c.Regions, &c.MinNoticeHours, &c.SpecialCapabilities, &c.Languages,
		&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.EarliestStart, err = ParseClock(start); err != nil {
		return nil, fmt.Errorf("capability %s earliest_start: %w", c.ID, err)
	}
	if c.LatestEnd, err = ParseClock(end); err != nil {
		return nil, fmt.Errorf("capability %s latest_end: %w", c.ID, err)
	}
	return &c, nil
}

func (r *repoPG) ListByServiceType(ctx context.Context, serviceTypeID string) ([]ProviderCapability, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+capabilityCols+` FROM provider_capability WHERE service_type_id = $1 ORDER BY id`, serviceTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProviderCapability
	for rows.Next() {
		c, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*ProviderCapability, error) {
	return scanCapability(r.conn(ctx).QueryRow(ctx,
		`SELECT `+capabilityCols+` FROM provider_capability WHERE id = $1`, id))
}

func (r *repoPG) Upsert(ctx context.Context, c *ProviderCapability) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO provider_capability (`+capabilityCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, NOW())
		ON CONFLICT (id) DO UPDATE SET
			provider_id = EXCLUDED.provider_id,
			provider_name = EXCLUDED.provider_name,
			provider_type = EXCLUDED.provider_type,
			service_type_id = EXCLUDED.service_type_id,
			service_category = EXCLUDED.service_category,
			is_active = EXCLUDED.is_active,
			max_weekly_hours = EXCLUDED.max_weekly_hours,
			quality_score = EXCLUDED.quality_score,
			acceptance_rate = EXCLUDED.acceptance_rate,
			completion_rate = EXCLUDED.completion_rate,
			hourly_rate = EXCLUDED.hourly_rate,
			effective_date = EXCLUDED.effective_date,
			expiry_date = EXCLUDED.expiry_date,
			earliest_start = EXCLUDED.earliest_start,
			latest_end = EXCLUDED.latest_end,
			available_days = EXCLUDED.available_days,
			service_areas = EXCLUDED.service_areas,
			regions = EXCLUDED.regions,
			min_notice_hours = EXCLUDED.min_notice_hours,
			special_capabilities = EXCLUDED.special_capabilities,
			languages = EXCLUDED.languages,
			updated_at = NOW()
		RETURNING current_utilization_hours, updated_at`,
		c.ID, c.ProviderID, c.ProviderName, c.ProviderType, c.ServiceTypeID, c.ServiceCategory,
		c.IsActive, c.MaxWeeklyHours, c.CurrentUtilizationHours, c.QualityScore, c.AcceptanceRate,
		c.CompletionRate, c.HourlyRate, c.EffectiveDate, c.ExpiryDate, c.EarliestStart.String(), c.LatestEnd.String(),
		orEmpty(c.AvailableDays), orEmpty(c.ServiceAreas), orEmpty(c.Regions), c.MinNoticeHours,
		orEmpty(c.SpecialCapabilities), orEmpty(c.Languages),
	).Scan(&c.CurrentUtilizationHours, &c.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "provider_capability_pair" {
		return fmt.Errorf("%w: provider %s, service type %s", ErrDuplicatePair, c.ProviderID, c.ServiceTypeID)
	}
	return err
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
