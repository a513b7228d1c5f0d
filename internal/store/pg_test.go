package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Duds/CouncilWorks-sub003/internal/margin"
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPGStore(db), mock
}

func TestPGInsertDeployment(t *testing.T) {
	st, mock := newMockStore(t)

	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("INSERT INTO margin_deployments").
		WithArgs(
			sqlmock.AnyArg(), "org-1", string(margin.MarginCapacity), 20.0, 2,
			string(margin.DeploymentPending), "Critical signal", "margin-management-system",
			sqlmock.AnyArg(), int64(14400), "Stabilise utilization", "sig-1",
		).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	rec, err := st.InsertDeployment(context.Background(), DeploymentInput{
		OrganisationID:    "org-1",
		MarginType:        margin.MarginCapacity,
		Amount:            20.0,
		Priority:          2,
		Status:            margin.DeploymentPending,
		Reason:            "Critical signal",
		RequestedBy:       "margin-management-system",
		EstimatedDuration: 4 * time.Hour,
		ExpectedOutcome:   "Stabilise utilization",
		SignalID:          "sig-1",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, now, rec.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGUpdateDeploymentStatusNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE margin_deployments").
		WithArgs(id, string(margin.DeploymentCompleted), "done").
		WillReturnRows(sqlmock.NewRows([]string{"organisation_id"}))

	_, err := st.UpdateDeploymentStatus(context.Background(), id, margin.DeploymentCompleted, "done")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGInsertEventStartsPending(t *testing.T) {
	st, mock := newMockStore(t)

	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("INSERT INTO margin_events").
		WithArgs(
			sqlmock.AnyArg(), "org-1", string(margin.EventThresholdBreached),
			string(margin.MarginTime), "warning threshold crossed", "utilization at 0.65",
			sqlmock.AnyArg(),
		).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	rec, err := st.InsertEvent(context.Background(), EventInput{
		OrganisationID: "org-1",
		EventType:      margin.EventThresholdBreached,
		MarginType:     margin.MarginTime,
		Description:    "warning threshold crossed",
		Impact:         "utilization at 0.65",
	})
	require.NoError(t, err)
	assert.Equal(t, StreamPending, rec.StreamStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGFetchPendingClaimsInTransaction(t *testing.T) {
	st, mock := newMockStore(t)

	id := uuid.New()
	ts := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM margin_events").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))
	mock.ExpectQuery("UPDATE margin_events").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"organisation_id", "event_type", "margin_type", "description", "impact", "ts", "attempts", "created_at",
		}).AddRow("org-1", string(margin.EventDeploymentRequested), string(margin.MarginFinancial),
			"deployment requested", "funds committed", ts, 1, ts))
	mock.ExpectCommit()

	recs, err := st.FetchPendingEventsForStreaming(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StreamInProgress, recs[0].StreamStatus)
	assert.Equal(t, 1, recs[0].Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGFetchPendingEmptyCommits(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM margin_events").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	recs, err := st.FetchPendingEventsForStreaming(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGMarkEventStreamResult(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE margin_events").
		WithArgs(sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, st.MarkEventStreamResult(context.Background(), id,
		nullString("margin/2026/03/01/evt.json"), true, nullString("")))

	mock.ExpectExec("UPDATE margin_events").
		WithArgs(sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, st.MarkEventStreamResult(context.Background(), id,
		nullString(""), false, nullString("broker unavailable")))

	require.NoError(t, mock.ExpectationsWereMet())
}
