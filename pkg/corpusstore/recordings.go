package corpusstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Recording represents one ingested audio source.
//
// A recording is immutable once ingested except for its source path; the
// windowing parameters are stored alongside it because the exporter's
// ownership rule depends on the exact stride the segmenter used.
type Recording struct {
	RecordingID string
	SourcePath  string
	Duration    time.Duration
	Stride      time.Duration
	Overlap     time.Duration
	ExportedAt  *time.Time
	CreatedAt   time.Time
}

// UpsertRecording registers a recording, or refreshes its source path if it
// already exists.
//
// Duration and windowing parameters are never overwritten: re-ingesting the
// same recording must not move window boundaries out from under existing
// rows.
func UpsertRecording(ctx context.Context, db *sql.DB, rec Recording) error {
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO recordings
		 (recording_id, source_path, duration_seconds, stride_seconds, overlap_seconds, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(recording_id) DO UPDATE SET
		   source_path = excluded.source_path`,
		rec.RecordingID, rec.SourcePath,
		seconds(rec.Duration), seconds(rec.Stride), seconds(rec.Overlap),
		dbTime(time.Now()))

	if err != nil {
		return fmt.Errorf("upsert recording: %w", err)
	}
	return nil
}

// GetRecording retrieves a recording by ID.
func GetRecording(ctx context.Context, db *sql.DB, recordingID string) (*Recording, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	row := db.QueryRowContext(ctx,
		`SELECT recording_id, source_path, duration_seconds, stride_seconds, overlap_seconds,
		        exported_at, created_at
		 FROM recordings WHERE recording_id = ?`,
		recordingID)

	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("recording %s: %w", recordingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get recording: %w", err)
	}
	return rec, nil
}

func scanRecording(row interface{ Scan(...any) error }) (*Recording, error) {
	var rec Recording
	var durationSec, strideSec, overlapSec float64
	var exportedAtRaw, createdAtRaw any

	err := row.Scan(
		&rec.RecordingID, &rec.SourcePath, &durationSec, &strideSec, &overlapSec,
		&exportedAtRaw, &createdAtRaw)
	if err != nil {
		return nil, err
	}

	rec.Duration = durationFromSeconds(durationSec)
	rec.Stride = durationFromSeconds(strideSec)
	rec.Overlap = durationFromSeconds(overlapSec)

	rec.ExportedAt, err = parseOptionalDBTime(exportedAtRaw)
	if err != nil {
		return nil, fmt.Errorf("parse exported_at: %w", err)
	}
	rec.CreatedAt, err = parseDBTime(createdAtRaw)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &rec, nil
}

// ListRecordings lists all recordings ordered by creation time.
func ListRecordings(ctx context.Context, db *sql.DB) ([]Recording, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx,
		`SELECT recording_id, source_path, duration_seconds, stride_seconds, overlap_seconds,
		        exported_at, created_at
		 FROM recordings ORDER BY created_at, recording_id`)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		recs = append(recs, *rec)
	}

	return recs, rows.Err()
}

// MarkRecordingExported stamps the recording's last successful export time.
func MarkRecordingExported(ctx context.Context, db *sql.DB, recordingID string, at time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := db.ExecContext(ctx,
		`UPDATE recordings SET exported_at = ? WHERE recording_id = ?`,
		dbTime(at), recordingID)
	if err != nil {
		return fmt.Errorf("mark recording exported: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recording %s: %w", recordingID, ErrNotFound)
	}
	return nil
}

// StatusCount is one entry of a recording's window status summary.
type StatusCount struct {
	Status WindowStatus
	Count  int64
}

// CountWindowStatuses summarizes a recording's windows by status.
func CountWindowStatuses(ctx context.Context, db *sql.DB, recordingID string) ([]StatusCount, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM windows
		 WHERE recording_id = ?
		 GROUP BY status ORDER BY status`,
		recordingID)
	if err != nil {
		return nil, fmt.Errorf("count window statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts = append(counts, sc)
	}

	return counts, rows.Err()
}
