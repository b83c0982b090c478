package audit_test

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"opalsync/features/audit"
)

func TestPostgresRepo_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := audit.NewPostgresRepo(db)

	rec := &audit.Record{
		CorrelationID: "agent-1700000000000-abc1234",
		ContentUnit:   "osa",
		Stage:         "security_validation",
		Status:        "completed",
		DurationMs:    12,
		Detail:        json.RawMessage(`{"security_score":95}`),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_records")).
		WithArgs(rec.CorrelationID, "osa", "", "security_validation", "completed", int64(12), "", []byte(rec.Detail)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Upsert(context.Background(), rec)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_ListByCorrelation(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := audit.NewPostgresRepo(db)

	rows := sqlmock.NewRows([]string{
		"correlation_id", "content_unit", "sub_unit", "stage", "status", "duration_ms", "error_code", "detail", "updated_at",
	}).
		AddRow("corr-1", "osa", "", "security_validation", "completed", int64(12), "", []byte(`{}`), time.Now()).
		AddRow("corr-1", "osa", "", "enhancement", "fallback", int64(800), "enhancement_guardrail_violation", []byte(`{}`), time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT correlation_id, content_unit, sub_unit, stage, status, duration_ms, error_code, detail, updated_at FROM audit_records WHERE correlation_id = $1")).
		WithArgs("corr-1").
		WillReturnRows(rows)

	recs, err := repo.ListByCorrelation(context.Background(), "corr-1")
	assert.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, "enhancement", recs[1].Stage)
	assert.Equal(t, "enhancement_guardrail_violation", recs[1].ErrorCode)
}

func TestPostgresRepo_Count(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := audit.NewPostgresRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_records")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, err := repo.Count(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 42, count)
}
