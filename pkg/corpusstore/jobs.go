package corpusstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus tracks one transcription attempt from claim to outcome.
type JobStatus string

const (
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// ProcessingJob records a single transcription attempt against a window.
// Attempt counts from 1 and includes earlier failed attempts on the same
// window, so a job log reads as the window's retry history.
type ProcessingJob struct {
	JobID         string
	RecordingID   string
	WindowIndex   int
	Status        JobStatus
	EngineVariant string
	Credential    string
	Error         string
	Attempt       int
	ClaimedAt     time.Time
	FinishedAt    *time.Time
}

func createJob(ctx context.Context, db *sql.DB, key WindowKey, attempt int, now time.Time) (*ProcessingJob, error) {
	job := &ProcessingJob{
		JobID:       uuid.NewString(),
		RecordingID: key.RecordingID,
		WindowIndex: key.Index,
		Status:      JobStatusInProgress,
		Attempt:     attempt,
		ClaimedAt:   now.UTC(),
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO processing_jobs
		 (job_id, recording_id, window_index, status, engine_variant, credential, error, attempt, claimed_at)
		 VALUES (?, ?, ?, ?, '', '', '', ?, ?)`,
		job.JobID, job.RecordingID, job.WindowIndex, string(job.Status),
		job.Attempt, dbTime(job.ClaimedAt))
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// RecordJobEngine notes which engine variant and credential a job ended up
// running on, once the worker has leased them.
func RecordJobEngine(ctx context.Context, db *sql.DB, jobID, variant, credential string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := db.ExecContext(ctx,
		`UPDATE processing_jobs SET engine_variant = ?, credential = ? WHERE job_id = ?`,
		variant, credential, jobID)
	if err != nil {
		return fmt.Errorf("record job engine: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

func finishJobTx(ctx context.Context, tx *sql.Tx, jobID string, status JobStatus, errMsg string, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE processing_jobs SET status = ?, error = ?, finished_at = ?
		 WHERE job_id = ? AND status = ?`,
		string(status), errMsg, dbTime(now),
		jobID, string(JobStatusInProgress))
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is not in progress: %w", jobID, ErrNotFound)
	}
	return nil
}

const jobColumns = `job_id, recording_id, window_index, status,
	engine_variant, credential, error, attempt, claimed_at, finished_at`

func scanJob(row interface{ Scan(...any) error }) (*ProcessingJob, error) {
	var j ProcessingJob
	var status string
	var claimedRaw, finishedRaw any

	err := row.Scan(
		&j.JobID, &j.RecordingID, &j.WindowIndex, &status,
		&j.EngineVariant, &j.Credential, &j.Error, &j.Attempt,
		&claimedRaw, &finishedRaw)
	if err != nil {
		return nil, err
	}

	j.Status = JobStatus(status)
	if j.ClaimedAt, err = parseDBTime(claimedRaw); err != nil {
		return nil, fmt.Errorf("parse claimed_at: %w", err)
	}
	if j.FinishedAt, err = parseOptionalDBTime(finishedRaw); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &j, nil
}

// GetJob retrieves a processing job by ID.
func GetJob(ctx context.Context, db *sql.DB, jobID string) (*ProcessingJob, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	row := db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE job_id = ?`, jobID)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a window's jobs, newest attempt first.
func ListJobs(ctx context.Context, db *sql.DB, key WindowKey) ([]ProcessingJob, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs
		 WHERE recording_id = ? AND window_index = ?
		 ORDER BY attempt DESC, claimed_at DESC`,
		key.RecordingID, key.Index)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}

	return jobs, rows.Err()
}
