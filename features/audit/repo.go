package audit

import (
	"context"
	"database/sql"
	"encoding/json"
)

type Repository interface {
	Upsert(ctx context.Context, rec *Record) error
	ListByCorrelation(ctx context.Context, correlationID string) ([]Record, error)
	Count(ctx context.Context) (int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Upsert(ctx context.Context, rec *Record) error {
	query := `INSERT INTO audit_records (correlation_id, content_unit, sub_unit, stage, status, duration_ms, error_code, detail, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (correlation_id, stage) DO UPDATE SET status = EXCLUDED.status, duration_ms = EXCLUDED.duration_ms, error_code = EXCLUDED.error_code, detail = EXCLUDED.detail, updated_at = NOW()`
	_, err := r.db.ExecContext(ctx, query,
		rec.CorrelationID, rec.ContentUnit, rec.SubUnit, rec.Stage, rec.Status,
		rec.DurationMs, rec.ErrorCode, []byte(rec.Detail))
	return err
}

func (r *PostgresRepo) ListByCorrelation(ctx context.Context, correlationID string) ([]Record, error) {
	query := `SELECT correlation_id, content_unit, sub_unit, stage, status, duration_ms, error_code, detail, updated_at FROM audit_records WHERE correlation_id = $1 ORDER BY updated_at`
	rows, err := r.db.QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var detail []byte
		if err := rows.Scan(&rec.CorrelationID, &rec.ContentUnit, &rec.SubUnit, &rec.Stage,
			&rec.Status, &rec.DurationMs, &rec.ErrorCode, &detail, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Detail = json.RawMessage(detail)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM audit_records`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}
