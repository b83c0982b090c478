package depgraph

import (
	"context"
	"database/sql"
	"time"
)

const inspectTimeout = 3 * time.Second

// PostgresCacheStore tracks per-unit cache state in the content_cache table.
// It backs both the propagator's invalidation/revalidation actions and the
// consistency validator's cache inspection.
type PostgresCacheStore struct {
	db *sql.DB
}

func NewPostgresCacheStore(db *sql.DB) *PostgresCacheStore {
	return &PostgresCacheStore{db: db}
}

func (s *PostgresCacheStore) InvalidateCache(ctx context.Context, unit, subUnit string) error {
	query := `INSERT INTO content_cache (content_unit, sub_unit, state, updated_at)
		VALUES ($1, $2, 'stale', NOW())
		ON CONFLICT (content_unit, sub_unit) DO UPDATE SET state = 'stale', updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, query, unit, subUnit)
	return err
}

func (s *PostgresCacheStore) Revalidate(ctx context.Context, unit, subUnit string) error {
	query := `INSERT INTO content_cache (content_unit, sub_unit, state, updated_at)
		VALUES ($1, $2, 'fresh', NOW())
		ON CONFLICT (content_unit, sub_unit) DO UPDATE SET state = 'fresh', updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, query, unit, subUnit)
	return err
}

// HasCache reports whether the unit has at least one fresh cache entry.
// Inspection failures count as a miss.
func (s *PostgresCacheStore) HasCache(unit string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), inspectTimeout)
	defer cancel()

	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM content_cache WHERE content_unit = $1 AND state = 'fresh')`
	if err := s.db.QueryRowContext(ctx, query, unit).Scan(&exists); err != nil {
		return false
	}
	return exists
}

// LowConfidenceEnhancement reports whether the unit's most recent enhancement
// ended in a fallback.
func (s *PostgresCacheStore) LowConfidenceEnhancement(unit string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), inspectTimeout)
	defer cancel()

	var status string
	query := `SELECT status FROM audit_records WHERE content_unit = $1 AND stage = 'enhancement' ORDER BY updated_at DESC LIMIT 1`
	if err := s.db.QueryRowContext(ctx, query, unit).Scan(&status); err != nil {
		return false
	}
	return status == "fallback" || status == "failed"
}
