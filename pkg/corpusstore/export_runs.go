package corpusstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExportRunStatus is the outcome of one export invocation.
type ExportRunStatus string

const (
	ExportRunRunning ExportRunStatus = "running"
	ExportRunDone    ExportRunStatus = "done"
	ExportRunFailed  ExportRunStatus = "failed"
)

// ExportRun is the provenance record of one export of a recording: when it
// ran, what it produced, and where the manifest landed.
type ExportRun struct {
	RunID              string
	RecordingID        string
	StartedAt          time.Time
	EndedAt            *time.Time
	Status             ExportRunStatus
	UtterancesExported int
	ClipsWritten       int
	ManifestPath       string
}

// CreateExportRun opens a running export record.
func CreateExportRun(ctx context.Context, db *sql.DB, recordingID string, now time.Time) (*ExportRun, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	run := &ExportRun{
		RunID:       uuid.NewString(),
		RecordingID: recordingID,
		StartedAt:   now.UTC(),
		Status:      ExportRunRunning,
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO export_runs
		 (run_id, recording_id, started_at, status, utterances_exported, clips_written, manifest_path)
		 VALUES (?, ?, ?, ?, 0, 0, '')`,
		run.RunID, run.RecordingID, dbTime(run.StartedAt), string(run.Status))
	if err != nil {
		return nil, fmt.Errorf("create export run: %w", err)
	}
	return run, nil
}

// FinishExportRun closes a running export record with its outcome.
func FinishExportRun(ctx context.Context, db *sql.DB, runID string, status ExportRunStatus, utterances, clips int, manifestPath string, now time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := db.ExecContext(ctx,
		`UPDATE export_runs
		 SET ended_at = ?, status = ?, utterances_exported = ?, clips_written = ?, manifest_path = ?
		 WHERE run_id = ? AND status = ?`,
		dbTime(now), string(status), utterances, clips, manifestPath,
		runID, string(ExportRunRunning))
	if err != nil {
		return fmt.Errorf("finish export run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("export run %s is not running: %w", runID, ErrNotFound)
	}
	return nil
}

// ListExportRuns returns a recording's export runs, newest first.
func ListExportRuns(ctx context.Context, db *sql.DB, recordingID string) ([]ExportRun, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx,
		`SELECT run_id, recording_id, started_at, ended_at, status,
		        utterances_exported, clips_written, manifest_path
		 FROM export_runs
		 WHERE recording_id = ?
		 ORDER BY started_at DESC, run_id`,
		recordingID)
	if err != nil {
		return nil, fmt.Errorf("list export runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []ExportRun
	for rows.Next() {
		var run ExportRun
		var status string
		var startedRaw, endedRaw any
		err := rows.Scan(
			&run.RunID, &run.RecordingID, &startedRaw, &endedRaw, &status,
			&run.UtterancesExported, &run.ClipsWritten, &run.ManifestPath)
		if err != nil {
			return nil, fmt.Errorf("scan export run: %w", err)
		}
		run.Status = ExportRunStatus(status)
		if run.StartedAt, err = parseDBTime(startedRaw); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if run.EndedAt, err = parseOptionalDBTime(endedRaw); err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}
