package harvest

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/echarvest/internal/logger"
	"github.com/dbsmedya/echarvest/internal/types"
)

func newMockResume(t *testing.T) (*ResumeManager, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rm, err := NewResumeManager(db, logger.NewNop())
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	rm.now = func() time.Time { return now }
	return rm, mock, now
}

func TestNewResumeManager_Validation(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	tests := []struct {
		name      string
		nilDB     bool
		log       *logger.Logger
		expectErr bool
	}{
		{name: "Valid inputs", log: logger.NewNop()},
		{name: "Nil database", nilDB: true, log: logger.NewNop(), expectErr: true},
		{name: "Nil logger with valid DB", log: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rm *ResumeManager
			var err error
			if tt.nilDB {
				rm, err = NewResumeManager(nil, tt.log)
			} else {
				rm, err = NewResumeManager(db, tt.log)
			}

			if tt.expectErr {
				assert.Error(t, err)
				assert.Nil(t, rm)
				assert.Contains(t, err.Error(), "database connection is nil")
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, rm)
			}
		})
	}
}

func TestResumeManager_StartRun_NewJob(t *testing.T) {
	rm, mock, now := newMockResume(t)

	mock.ExpectQuery("SELECT job_name, run_id, status, units_total, started_at, updated_at FROM harvest_job").
		WithArgs("bangalore").
		WillReturnRows(sqlmock.NewRows([]string{"job_name", "run_id", "status", "units_total", "started_at", "updated_at"}))
	mock.ExpectExec("INSERT INTO harvest_job").
		WithArgs("bangalore", sqlmock.AnyArg(), JobStatusRunning, 3, now.Unix(), now.Unix()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	state, err := rm.StartRun(context.Background(), "bangalore", 3)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, state.Status)
	assert.Len(t, state.RunID, 36)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeManager_StartRun_ExistingJob(t *testing.T) {
	rm, mock, now := newMockResume(t)

	mock.ExpectQuery("SELECT job_name, run_id, status, units_total, started_at, updated_at FROM harvest_job").
		WithArgs("bangalore").
		WillReturnRows(sqlmock.NewRows([]string{"job_name", "run_id", "status", "units_total", "started_at", "updated_at"}).
			AddRow("bangalore", "old-run", "interrupted", 3, now.Unix()-60, now.Unix()-30))
	mock.ExpectExec("UPDATE harvest_job SET run_id").
		WithArgs(sqlmock.AnyArg(), JobStatusRunning, 3, now.Unix(), now.Unix(), "bangalore").
		WillReturnResult(sqlmock.NewResult(0, 1))

	state, err := rm.StartRun(context.Background(), "bangalore", 3)
	require.NoError(t, err)
	assert.NotEqual(t, "old-run", state.RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeManager_StartRun_QueryError(t *testing.T) {
	rm, mock, _ := newMockResume(t)

	mock.ExpectQuery("SELECT job_name").WillReturnError(assert.AnError)

	_, err := rm.StartRun(context.Background(), "bangalore", 3)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get job")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeManager_MarkCompleted(t *testing.T) {
	rm, mock, now := newMockResume(t)
	unit := types.SearchUnit{Village: types.Location{Code: "V1"}, PartyName: "RAMESH", FromDate: "2020-01-01", ToDate: "2020-12-31"}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM harvest_unit_log").
		WithArgs("bangalore", unit.Key()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO harvest_unit_log").
		WithArgs("bangalore", unit.Key(), UnitStatusCompleted, `[{"colA":"x"}]`, `["colA"]`, nil, now.Unix()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := rm.MarkCompleted(context.Background(), "bangalore", &types.UnitResult{
		Unit:    unit,
		Rows:    []types.Row{{"colA": "x"}},
		Columns: []string{"colA"},
	}, "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeManager_MarkCompleted_EmptyRows(t *testing.T) {
	rm, mock, now := newMockResume(t)
	unit := types.SearchUnit{Village: types.Location{Code: "V1"}}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM harvest_unit_log").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO harvest_unit_log").
		WithArgs("bangalore", unit.Key(), UnitStatusCompleted, `[]`, `null`, "partial", now.Unix()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, rm.MarkCompleted(context.Background(), "bangalore", &types.UnitResult{Unit: unit}, "partial"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeManager_MarkFailed_RollsBack(t *testing.T) {
	rm, mock, _ := newMockResume(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM harvest_unit_log").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO harvest_unit_log").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := rm.MarkFailed(context.Background(), "bangalore", "k", "boom")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "as failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeManager_LoadCompleted(t *testing.T) {
	rm, mock, _ := newMockResume(t)

	mock.ExpectQuery("SELECT unit_key, rows_json, columns_json FROM harvest_unit_log").
		WithArgs("bangalore", UnitStatusCompleted).
		WillReturnRows(sqlmock.NewRows([]string{"unit_key", "rows_json", "columns_json"}).
			AddRow("k1", `[{"b":"2","a":"1"}]`, `["b","a"]`).
			AddRow("k2", `[]`, nil))

	done, err := rm.LoadCompleted(context.Background(), "bangalore")
	require.NoError(t, err)
	require.Len(t, done, 2)
	assert.Equal(t, []types.Row{{"a": "1", "b": "2"}}, done["k1"].Rows)
	assert.Equal(t, []string{"b", "a"}, done["k1"].Columns)
	assert.Empty(t, done["k2"].Rows)
	assert.Nil(t, done["k2"].Columns)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeManager_LoadCompleted_BadJSON(t *testing.T) {
	rm, mock, _ := newMockResume(t)

	mock.ExpectQuery("SELECT unit_key").
		WillReturnRows(sqlmock.NewRows([]string{"unit_key", "rows_json", "columns_json"}).AddRow("k1", `{`, nil))

	_, err := rm.LoadCompleted(context.Background(), "bangalore")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode rows of unit k1")
}

func TestResumeManager_GetStats(t *testing.T) {
	rm, mock, _ := newMockResume(t)

	mock.ExpectQuery("SELECT status, COUNT").
		WithArgs("bangalore").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 1).
			AddRow("completed", 5).
			AddRow("failed", 2))

	stats, err := rm.GetStats(context.Background(), "bangalore")
	require.NoError(t, err)
	assert.Equal(t, UnitStats{Pending: 1, Completed: 5, Failed: 2}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeManager_GetJob_NotFound(t *testing.T) {
	rm, mock, _ := newMockResume(t)

	mock.ExpectQuery("SELECT job_name").
		WillReturnRows(sqlmock.NewRows([]string{"job_name", "run_id", "status", "units_total", "started_at", "updated_at"}))

	job, err := rm.GetJob(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestResumeManager_Reset(t *testing.T) {
	rm, mock, _ := newMockResume(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM harvest_unit_log").WithArgs("bangalore").WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec("DELETE FROM harvest_job").WithArgs("bangalore").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := rm.Reset(context.Background(), "bangalore")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeManager_FinishRun(t *testing.T) {
	rm, mock, now := newMockResume(t)

	mock.ExpectExec("UPDATE harvest_job SET status").
		WithArgs(JobStatusInterrupted, now.Unix(), "bangalore").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, rm.FinishRun(context.Background(), "bangalore", JobStatusInterrupted))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManifest_Counts(t *testing.T) {
	m := &Manifest{Units: 5}
	m.succeed(types.SearchUnit{})
	m.fail(types.SearchUnit{}, "remote_validation", "bad date")
	m.skip(types.SearchUnit{})
	m.warn("unit %s cut short", "V1")

	assert.Equal(t, 3, m.Processed())
	assert.Equal(t, 2, m.Remaining())
	assert.Equal(t, []string{"unit V1 cut short"}, m.Warnings)
}
