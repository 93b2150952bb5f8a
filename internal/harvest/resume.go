package harvest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dbsmedya/echarvest/internal/logger"
	"github.com/dbsmedya/echarvest/internal/types"
)

// JobStatus is the state of a harvest job.
type JobStatus string

const (
	JobStatusRunning     JobStatus = "running"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusInterrupted JobStatus = "interrupted"
)

// UnitStatus is the processing status of one search unit.
type UnitStatus string

const (
	UnitStatusPending   UnitStatus = "pending"
	UnitStatusCompleted UnitStatus = "completed"
	UnitStatusFailed    UnitStatus = "failed"
)

// JobState is one row of harvest_job.
type JobState struct {
	JobName    string
	RunID      string
	Status     JobStatus
	UnitsTotal int
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// CompletedUnit is a unit whose rows were stored by an earlier run.
type CompletedUnit struct {
	Key     string
	Rows    []types.Row
	Columns []string
}

// UnitStats counts unit log entries by status.
type UnitStats struct {
	Pending   int
	Completed int
	Failed    int
}

// ResumeManager persists per-unit progress so a rerun of a job skips the
// units already harvested.
type ResumeManager struct {
	db     *sql.DB
	logger *logger.Logger
	now    func() time.Time
}

// NewResumeManager creates a resume manager on the state database.
func NewResumeManager(db *sql.DB, log *logger.Logger) (*ResumeManager, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &ResumeManager{db: db, logger: log, now: time.Now}, nil
}

// StartRun records a new run of jobName with a fresh run id. An existing
// job row is reused so its unit log survives.
func (r *ResumeManager) StartRun(ctx context.Context, jobName string, unitsTotal int) (*JobState, error) {
	prev, err := r.GetJob(ctx, jobName)
	if err != nil {
		return nil, err
	}

	now := r.now()
	state := &JobState{
		JobName:    jobName,
		RunID:      uuid.NewString(),
		Status:     JobStatusRunning,
		UnitsTotal: unitsTotal,
		StartedAt:  now,
		UpdatedAt:  now,
	}

	if prev == nil {
		_, err = r.db.ExecContext(ctx,
			"INSERT INTO harvest_job (job_name, run_id, status, units_total, started_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
			jobName, state.RunID, state.Status, unitsTotal, now.Unix(), now.Unix(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create job: %w", err)
		}
		r.logger.Infof("Created job %q (run %s)", jobName, state.RunID)
		return state, nil
	}

	_, err = r.db.ExecContext(ctx,
		"UPDATE harvest_job SET run_id = ?, status = ?, units_total = ?, started_at = ?, updated_at = ? WHERE job_name = ?",
		state.RunID, state.Status, unitsTotal, now.Unix(), now.Unix(), jobName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	r.logger.Infof("Resuming job %q (previous run %s ended %s)", jobName, prev.RunID, prev.Status)
	return state, nil
}

// FinishRun stores the final status of the current run.
func (r *ResumeManager) FinishRun(ctx context.Context, jobName string, status JobStatus) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE harvest_job SET status = ?, updated_at = ? WHERE job_name = ?",
		status, r.now().Unix(), jobName,
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	r.logger.Debugf("Job %q status updated to %s", jobName, status)
	return nil
}

// GetJob returns the job row, or nil when the job never ran.
func (r *ResumeManager) GetJob(ctx context.Context, jobName string) (*JobState, error) {
	var (
		state            JobState
		started, updated int64
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT job_name, run_id, status, units_total, started_at, updated_at FROM harvest_job WHERE job_name = ?",
		jobName,
	).Scan(&state.JobName, &state.RunID, &state.Status, &state.UnitsTotal, &started, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	state.StartedAt = time.Unix(started, 0)
	state.UpdatedAt = time.Unix(updated, 0)
	return &state, nil
}

// MarkPending records that unit is about to be searched.
func (r *ResumeManager) MarkPending(ctx context.Context, jobName, unitKey string) error {
	return r.writeUnit(ctx, jobName, unitKey, UnitStatusPending, nil, nil, "")
}

// MarkCompleted stores the rows of a finished unit. warning is kept as the
// entry's message, e.g. when pagination was cut short.
func (r *ResumeManager) MarkCompleted(ctx context.Context, jobName string, result *types.UnitResult, warning string) error {
	rows := result.Rows
	if rows == nil {
		rows = []types.Row{}
	}
	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode rows: %w", err)
	}
	colsJSON, err := json.Marshal(result.Columns)
	if err != nil {
		return fmt.Errorf("failed to encode columns: %w", err)
	}
	return r.writeUnit(ctx, jobName, result.Unit.Key(), UnitStatusCompleted, rowsJSON, colsJSON, warning)
}

// MarkFailed records why a unit could not be harvested.
func (r *ResumeManager) MarkFailed(ctx context.Context, jobName, unitKey, errorMsg string) error {
	if err := r.writeUnit(ctx, jobName, unitKey, UnitStatusFailed, nil, nil, errorMsg); err != nil {
		return err
	}
	r.logger.Warnf("Marked unit %s failed for job %q: %s", unitKey, jobName, errorMsg)
	return nil
}

// writeUnit replaces the log entry of one unit.
func (r *ResumeManager) writeUnit(ctx context.Context, jobName, unitKey string, status UnitStatus, rowsJSON, colsJSON []byte, msg string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin unit log transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM harvest_unit_log WHERE job_name = ? AND unit_key = ?",
		jobName, unitKey,
	); err != nil {
		return fmt.Errorf("failed to clear unit %s: %w", unitKey, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO harvest_unit_log (job_name, unit_key, status, rows_json, columns_json, error_message, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		jobName, unitKey, status, nullableText(rowsJSON), nullableText(colsJSON), nullableString(msg), r.now().Unix(),
	); err != nil {
		return fmt.Errorf("failed to log unit %s as %s: %w", unitKey, status, err)
	}
	return tx.Commit()
}

// LoadCompleted returns the stored rows of every completed unit of jobName,
// keyed by unit key.
func (r *ResumeManager) LoadCompleted(ctx context.Context, jobName string) (map[string]CompletedUnit, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT unit_key, rows_json, columns_json FROM harvest_unit_log WHERE job_name = ? AND status = ?",
		jobName, UnitStatusCompleted,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed units: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Warnf("Failed to close rows: %v", err)
		}
	}()

	out := make(map[string]CompletedUnit)
	for rows.Next() {
		var (
			key              string
			rowsRaw, colsRaw sql.NullString
		)
		if err := rows.Scan(&key, &rowsRaw, &colsRaw); err != nil {
			return nil, fmt.Errorf("failed to scan completed unit: %w", err)
		}
		cu := CompletedUnit{Key: key}
		if rowsRaw.Valid && rowsRaw.String != "" {
			if err := json.Unmarshal([]byte(rowsRaw.String), &cu.Rows); err != nil {
				return nil, fmt.Errorf("failed to decode rows of unit %s: %w", key, err)
			}
		}
		if colsRaw.Valid && colsRaw.String != "" {
			if err := json.Unmarshal([]byte(colsRaw.String), &cu.Columns); err != nil {
				return nil, fmt.Errorf("failed to decode columns of unit %s: %w", key, err)
			}
		}
		out[key] = cu
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating completed units: %w", err)
	}

	if len(out) > 0 {
		r.logger.Infof("Found %d completed units for job %q", len(out), jobName)
	}
	return out, nil
}

// GetStats counts the unit log entries of jobName by status.
func (r *ResumeManager) GetStats(ctx context.Context, jobName string) (UnitStats, error) {
	var stats UnitStats
	rows, err := r.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM harvest_unit_log WHERE job_name = ? GROUP BY status",
		jobName,
	)
	if err != nil {
		return stats, fmt.Errorf("failed to get stats: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Warnf("Failed to close rows: %v", err)
		}
	}()

	for rows.Next() {
		var status UnitStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("failed to scan stats: %w", err)
		}
		switch status {
		case UnitStatusPending:
			stats.Pending = count
		case UnitStatusCompleted:
			stats.Completed = count
		case UnitStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// Reset forgets everything recorded for jobName.
func (r *ResumeManager) Reset(ctx context.Context, jobName string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM harvest_unit_log WHERE job_name = ?", jobName)
	if err != nil {
		return 0, fmt.Errorf("failed to clear unit log: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, "DELETE FROM harvest_job WHERE job_name = ?", jobName); err != nil {
		return 0, fmt.Errorf("failed to clear job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	r.logger.Infof("Reset job %q (%d unit entries removed)", jobName, n)
	return n, nil
}

func nullableText(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
