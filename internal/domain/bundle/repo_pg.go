package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/carelink/internal/domain/rules"
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

const templateCols = `id, code, version, name, description, is_active, is_current_version,
	required_flags, excluded_flags, priority_weight, auto_recommend,
	min_adl_sum, max_adl_sum, min_iadl_sum, max_iadl_sum, services,
	created_by, created_at, updated_at`

const ruleCols = `id, template_id, name, condition, priority, is_required, is_active`

func scanTemplate(row pgx.Row) (*BundleTemplate, error) {
	var t BundleTemplate
	var services []byte
	err := row.Scan(&t.ID, &t.Code, &t.Version, &t.Name, &t.Description, &t.IsActive, &t.IsCurrentVersion,
		&t.RequiredFlags, &t.ExcludedFlags, &t.PriorityWeight, &t.AutoRecommend,
		&t.MinADLSum, &t.MaxADLSum, &t.MinIADLSum, &t.MaxIADLSum, &services,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(services, &t.Services); err != nil {
		return nil, fmt.Errorf("decode services of %s v%d: %w", t.Code, t.Version, err)
	}
	return &t, nil
}

func scanRule(row pgx.Row) (EligibilityRule, error) {
	var rule EligibilityRule
	var cond []byte
	if err := row.Scan(&rule.ID, &rule.TemplateID, &rule.Name, &cond, &rule.Priority, &rule.IsRequired, &rule.IsActive); err != nil {
		return rule, err
	}
	c, err := rules.Parse(cond)
	if err != nil {
		return rule, fmt.Errorf("decode rule %s: %w", rule.ID, err)
	}
	rule.Condition = c
	return rule, nil
}

func (r *repoPG) Create(ctx context.Context, t *BundleTemplate) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM bundle_template WHERE code = $1)`, t.Code).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrDuplicateCode, t.Code)
		}
		t.Version = 1
		return r.insert(ctx, t, ErrDuplicateCode)
	})
}

func (r *repoPG) Revise(ctx context.Context, code string, t *BundleTemplate) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `SELECT 1 FROM bundle_template WHERE code = $1 FOR UPDATE`, code); err != nil {
			return err
		}
		// Read the maximum in a fresh statement once the locks are held, so a
		// revision committed while we waited is counted.
		var maxVersion int
		if err := q.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM bundle_template WHERE code = $1`, code).Scan(&maxVersion); err != nil {
			return err
		}
		if maxVersion == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, code)
		}

		if _, err := q.Exec(ctx,
			`UPDATE bundle_template SET is_current_version = FALSE, updated_at = NOW()
			 WHERE code = $1 AND is_current_version`, code); err != nil {
			return err
		}
		t.Code = code
		t.Version = maxVersion + 1
		return r.insert(ctx, t, ErrVersionConflict)
	})
}

// insert writes t as the current version with its rules. Callers hold the
// transaction. A taken (code, version) pair is reported as conflict.
func (r *repoPG) insert(ctx context.Context, t *BundleTemplate, conflict error) error {
	q := r.conn(ctx)
	t.ID = uuid.New()
	t.IsCurrentVersion = true
	services, err := json.Marshal(servicesOrEmpty(t.Services))
	if err != nil {
		return err
	}
	err = q.QueryRow(ctx, `
		INSERT INTO bundle_template (id, code, version, name, description, is_active, is_current_version,
			required_flags, excluded_flags, priority_weight, auto_recommend,
			min_adl_sum, max_adl_sum, min_iadl_sum, max_iadl_sum, services, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,TRUE,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		t.ID, t.Code, t.Version, t.Name, t.Description, t.IsActive,
		stringsOrEmpty(t.RequiredFlags), stringsOrEmpty(t.ExcludedFlags), t.PriorityWeight, t.AutoRecommend,
		t.MinADLSum, t.MaxADLSum, t.MinIADLSum, t.MaxIADLSum, services, t.CreatedBy,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return mapWriteError(t.Code, t.Version, conflict, err)
	}

	for i := range t.Rules {
		rule := &t.Rules[i]
		rule.ID = uuid.New()
		rule.TemplateID = t.ID
		cond, err := json.Marshal(rule.Condition)
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO eligibility_rule (id, template_id, position, name, condition, priority, is_required, is_active)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			rule.ID, rule.TemplateID, i, rule.Name, cond, rule.Priority, rule.IsRequired, rule.IsActive); err != nil {
			return err
		}
	}
	return nil
}

// mapWriteError turns a broken one-current-version index into a configuration
// error; that state must never be persisted. A taken version becomes conflict.
func mapWriteError(code string, version int, conflict, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case "bundle_template_one_current":
		return &rules.ConfigurationError{Field: code, Reason: "more than one current version"}
	case "bundle_template_code_version":
		return fmt.Errorf("%w: %s v%d", conflict, code, version)
	}
	return fmt.Errorf("%w: %s", ErrDuplicateCode, code)
}

func (r *repoPG) loadRules(ctx context.Context, templates []*BundleTemplate) error {
	if len(templates) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(templates))
	byID := make(map[uuid.UUID]*BundleTemplate, len(templates))
	for i, t := range templates {
		ids[i] = t.ID
		byID[t.ID] = t
		t.Rules = []EligibilityRule{}
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+ruleCols+` FROM eligibility_rule WHERE template_id = ANY($1) ORDER BY template_id, priority DESC, position`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return err
		}
		if t := byID[rule.TemplateID]; t != nil {
			t.Rules = append(t.Rules, rule)
		}
	}
	return rows.Err()
}

func (r *repoPG) getOne(ctx context.Context, where string, arg interface{}) (*BundleTemplate, error) {
	t, err := scanTemplate(r.conn(ctx).QueryRow(ctx, `SELECT `+templateCols+` FROM bundle_template WHERE `+where, arg))
	if err != nil {
		return nil, err
	}
	if err := r.loadRules(ctx, []*BundleTemplate{t}); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*BundleTemplate, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *repoPG) GetCurrent(ctx context.Context, code string) (*BundleTemplate, error) {
	return r.getOne(ctx, `code = $1 AND is_current_version`, code)
}

func (r *repoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*BundleTemplate, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var items []*BundleTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadRules(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repoPG) ListVersions(ctx context.Context, code string) ([]*BundleTemplate, error) {
	items, err := r.list(ctx, `SELECT `+templateCols+` FROM bundle_template WHERE code = $1 ORDER BY version DESC`, code)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items, nil
}

func (r *repoPG) ListCurrent(ctx context.Context, limit, offset int) ([]*BundleTemplate, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM bundle_template WHERE is_current_version`).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.list(ctx, `SELECT `+templateCols+` FROM bundle_template WHERE is_current_version
		ORDER BY code LIMIT $1 OFFSET $2`, limit, offset)
	return items, total, err
}

func (r *repoPG) ListEligible(ctx context.Context) ([]BundleTemplate, error) {
	items, err := r.list(ctx, `SELECT `+templateCols+` FROM bundle_template
		WHERE is_active AND is_current_version ORDER BY id`)
	if err != nil {
		return nil, err
	}
	out := make([]BundleTemplate, len(items))
	for i, t := range items {
		out[i] = *t
	}
	return out, nil
}

func servicesOrEmpty(s []ServiceLine) []ServiceLine {
	if s == nil {
		return []ServiceLine{}
	}
	return s
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
