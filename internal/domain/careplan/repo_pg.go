package careplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

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

const planCols = `id, patient_id, template_id, template_code, template_version, template_snapshot,
	recommendation_log_id, status, selected_by, approved_by, approved_at, note, created_at, updated_at`

func scanPlan(row pgx.Row) (*CarePlan, error) {
	var p CarePlan
	var snapshot []byte
	err := row.Scan(&p.ID, &p.PatientID, &p.TemplateID, &p.TemplateCode, &p.TemplateVersion, &snapshot,
		&p.RecommendationLogID, &p.Status, &p.SelectedBy, &p.ApprovedBy, &p.ApprovedAt, &p.Note,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapshot, &p.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot of care plan %s: %w", p.ID, err)
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *CarePlan) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	snapshot, err := json.Marshal(p.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO care_plan (id, patient_id, template_id, template_code, template_version,
			template_snapshot, recommendation_log_id, status, selected_by, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.TemplateID, p.TemplateCode, p.TemplateVersion,
		snapshot, p.RecommendationLogID, p.Status, p.SelectedBy, p.Note,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*CarePlan, error) {
	return scanPlan(r.conn(ctx).QueryRow(ctx, `SELECT `+planCols+` FROM care_plan WHERE id = $1`, id))
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*CarePlan, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM care_plan WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+planCols+` FROM care_plan
		WHERE patient_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*CarePlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (r *repoPG) Approve(ctx context.Context, id uuid.UUID, by string, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE care_plan SET status = 'approved', approved_by = $2, approved_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'draft'`, id, by, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
