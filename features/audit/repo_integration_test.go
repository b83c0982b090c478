package audit_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"opalsync/features/audit"
	"opalsync/internal/testutils"
)

func TestAuditRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	repo := audit.NewPostgresRepo(s.DB)
	ctx := context.Background()

	rec := &audit.Record{
		CorrelationID: "opal-1700000000000-abc1234",
		ContentUnit:   "homepage",
		Stage:         "security_validation",
		Status:        "completed",
		DurationMs:    12,
		Detail:        json.RawMessage(`{"security_score": 95}`),
	}
	require.NoError(t, repo.Upsert(ctx, rec))

	// Upserting the same (correlation_id, stage) updates in place.
	rec.Status = "failed"
	rec.ErrorCode = "security_validation_failed"
	require.NoError(t, repo.Upsert(ctx, rec))

	rec2 := &audit.Record{
		CorrelationID: "opal-1700000000000-abc1234",
		ContentUnit:   "homepage",
		Stage:         "pipeline",
		Status:        "failed",
	}
	require.NoError(t, repo.Upsert(ctx, rec2))

	recs, err := repo.ListByCorrelation(ctx, "opal-1700000000000-abc1234")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "failed", recs[0].Status)
	assert.Equal(t, "security_validation_failed", recs[0].ErrorCode)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
