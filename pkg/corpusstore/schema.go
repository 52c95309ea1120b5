package corpusstore

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the corpus schema in-place.
//
// The schema models a simple ownership tree (recordings own windows, windows
// own utterances) as flat tables with composite keys rather than an in-memory
// object graph, so it survives process restarts and supports the
// conditional updates the coordination layer relies on.
//
// Lock expiry (windows.lock_expires_at_ms) and claim ordering are stored as
// integer unix milliseconds: expiry must be comparable inside SQL without
// depending on the text encoding of timestamps.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS recordings (
			recording_id TEXT PRIMARY KEY,
			source_path TEXT NOT NULL,
			duration_seconds REAL NOT NULL,
			stride_seconds REAL NOT NULL,
			overlap_seconds REAL NOT NULL,
			exported_at TEXT,
			created_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS windows (
			recording_id TEXT NOT NULL,
			window_index INTEGER NOT NULL,
			stride_start_seconds REAL NOT NULL,
			length_seconds REAL NOT NULL,
			audio_path TEXT NOT NULL,
			status TEXT NOT NULL,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			lock_holder TEXT,
			lock_expires_at_ms INTEGER,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(recording_id, window_index),
			FOREIGN KEY(recording_id) REFERENCES recordings(recording_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_windows_status ON windows(status, recording_id, window_index);`,

		`CREATE TABLE IF NOT EXISTS utterances (
			utterance_id TEXT PRIMARY KEY,
			recording_id TEXT NOT NULL,
			window_index INTEGER NOT NULL,
			rel_start_seconds REAL NOT NULL,
			rel_end_seconds REAL NOT NULL,
			transcript TEXT NOT NULL,
			translation TEXT NOT NULL,
			verified INTEGER NOT NULL DEFAULT 0,
			rejected INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(recording_id, window_index) REFERENCES windows(recording_id, window_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_utterances_window ON utterances(recording_id, window_index, rel_start_seconds);`,

		`CREATE TABLE IF NOT EXISTS processing_jobs (
			job_id TEXT PRIMARY KEY,
			recording_id TEXT NOT NULL,
			window_index INTEGER NOT NULL,
			status TEXT NOT NULL,
			engine_variant TEXT,
			credential TEXT,
			error TEXT,
			attempt INTEGER NOT NULL,
			claimed_at TEXT NOT NULL,
			finished_at TEXT,
			FOREIGN KEY(recording_id, window_index) REFERENCES windows(recording_id, window_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_processing_jobs_window ON processing_jobs(recording_id, window_index, claimed_at);`,

		`CREATE TABLE IF NOT EXISTS export_runs (
			run_id TEXT PRIMARY KEY,
			recording_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL,
			utterances_exported INTEGER NOT NULL DEFAULT 0,
			clips_written INTEGER NOT NULL DEFAULT 0,
			manifest_path TEXT,
			FOREIGN KEY(recording_id) REFERENCES recordings(recording_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_export_runs_recording ON export_runs(recording_id, started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
