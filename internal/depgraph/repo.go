package depgraph

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists dependency registrations.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, dep *Dependency) error {
	query := `INSERT INTO dependencies (id, source_unit, source_sub_unit, target_unit, target_sub_unit, kind, strength, auto_invalidate, delay_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, strength = EXCLUDED.strength, auto_invalidate = EXCLUDED.auto_invalidate, delay_ms = EXCLUDED.delay_ms`
	_, err := s.db.ExecContext(ctx, query,
		dep.ID, dep.SourceUnit, dep.SourceSubUnit, dep.TargetUnit, dep.TargetSubUnit,
		string(dep.Kind), dep.Strength, dep.AutoInvalidate, dep.Delay.Milliseconds())
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM dependencies WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]Dependency, error) {
	query := `SELECT id, source_unit, source_sub_unit, target_unit, target_sub_unit, kind, strength, auto_invalidate, delay_ms, created_at FROM dependencies ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []Dependency
	for rows.Next() {
		var d Dependency
		var kind string
		var delayMs int64
		if err := rows.Scan(&d.ID, &d.SourceUnit, &d.SourceSubUnit, &d.TargetUnit, &d.TargetSubUnit,
			&kind, &d.Strength, &d.AutoInvalidate, &delayMs, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Kind = Kind(kind)
		d.Delay = time.Duration(delayMs) * time.Millisecond
		deps = append(deps, d)
	}
	return deps, rows.Err()
}
