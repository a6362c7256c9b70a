package recommendation

import (
	"context"
	"errors"
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

const logCols = `id, kind, subject_id, requested_by, candidate_count, ranked_count,
	selected_candidate_id, context, outcome, final_candidate_id, decided_by,
	override_reason, modifications, outcome_recorded_at, created_at`

func scanLog(row pgx.Row) (*Log, error) {
	var l Log
	var ctxJSON, mods []byte
	err := row.Scan(&l.ID, &l.Kind, &l.SubjectID, &l.RequestedBy, &l.CandidateCount, &l.RankedCount,
		&l.SelectedCandidateID, &ctxJSON, &l.Outcome, &l.FinalCandidateID, &l.DecidedBy,
		&l.OverrideReason, &mods, &l.OutcomeRecordedAt, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Context = ctxJSON
	l.Modifications = mods
	return &l, nil
}

// Insert sends the header and all entries as one batch inside a transaction,
// so a failure on any entry leaves no trace of the log.
func (r *repoPG) Insert(ctx context.Context, l *Log) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		tx := db.TxFromContext(ctx)
		batch := &pgx.Batch{}
		batch.Queue(`
			INSERT INTO recommendation_log (id, kind, subject_id, requested_by, candidate_count,
				ranked_count, selected_candidate_id, context)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			RETURNING created_at`,
			l.ID, l.Kind, l.SubjectID, l.RequestedBy, l.CandidateCount,
			l.RankedCount, l.SelectedCandidateID, jsonOrEmpty(l.Context))
		for _, e := range l.Entries {
			batch.Queue(`
				INSERT INTO recommendation_entry (log_id, position, rank, candidate_id, score,
					recommendable, evaluation_results, was_selected)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				e.LogID, e.Position, e.Rank, e.CandidateID, e.Score,
				e.Recommendable, jsonOrEmpty(e.EvaluationResults), e.WasSelected)
		}

		br := tx.SendBatch(ctx, batch)
		if err := br.QueryRow().Scan(&l.CreatedAt); err != nil {
			br.Close()
			return err
		}
		for range l.Entries {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return err
			}
		}
		return br.Close()
	})
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Log, error) {
	l, err := scanLog(r.conn(ctx).QueryRow(ctx, `SELECT `+logCols+` FROM recommendation_log WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT log_id, position, rank, candidate_id, score, recommendable, evaluation_results, was_selected
		FROM recommendation_entry WHERE log_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		var results []byte
		if err := rows.Scan(&e.LogID, &e.Position, &e.Rank, &e.CandidateID, &e.Score,
			&e.Recommendable, &results, &e.WasSelected); err != nil {
			return nil, err
		}
		e.EvaluationResults = results
		l.Entries = append(l.Entries, e)
	}
	return l, rows.Err()
}

func (r *repoPG) ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*Log, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM recommendation_log WHERE subject_id = $1`, subjectID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+logCols+` FROM recommendation_log
		WHERE subject_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, subjectID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, l)
	}
	return items, total, rows.Err()
}

func (r *repoPG) SetOutcome(ctx context.Context, id uuid.UUID, o Outcome, at time.Time) (bool, error) {
	var mods interface{}
	if len(o.Modifications) > 0 {
		mods = []byte(o.Modifications)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE recommendation_log
		SET outcome = $2, final_candidate_id = $3, decided_by = $4, override_reason = $5,
			modifications = $6, outcome_recorded_at = $7
		WHERE id = $1 AND outcome IS NULL`,
		id, o.Status, o.FinalCandidateID, o.DecidedBy, nullIfEmpty(o.OverrideReason), mods, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func jsonOrEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
