// Package corpusstore persists the shared pipeline state: recordings, their
// windows and utterances, processing jobs, editing locks, and export runs.
//
// The store is a single SQLite database. Every cross-session coordination
// point (lock acquisition, job claiming, status transitions, lock-gated
// edits) is expressed as one conditional UPDATE so that concurrent editor
// sessions and worker processes never race through a check-then-act gap.
// No caller holds an authoritative in-memory copy of store state; reads
// happen at the time of decision.
package corpusstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Config struct {
	// Path is a local filesystem path to the corpus database, or ":memory:"
	// for an ephemeral store (tests).
	Path string
}

// Open opens (and creates if needed) the corpus database.
//
// Parent directories are created for local file paths. WAL and busy_timeout
// are applied so that editor sessions and the worker can share the file
// with predictable behavior.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open corpus store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping corpus store: %w", err)
	}

	if err := configureLocalSQLite(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func buildDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("corpus store path is required")
	}
	if path == ":memory:" {
		return path, nil
	}

	if strings.HasPrefix(path, "file:") {
		return path, nil
	}

	if err := ensureStoreDir(path); err != nil {
		return "", err
	}

	return "file:" + filepath.Clean(path), nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	if db == nil {
		return errors.New("store connection is nil")
	}
	if dsn == ":memory:" {
		// In-memory databases live per-connection; a pool of one keeps
		// every statement on the same database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return nil
	}

	// Keep a single connection and use WAL to reduce lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}

	return nil
}

func ensureStoreDir(path string) error {
	if strings.TrimSpace(path) == "" || path == ":memory:" {
		return nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}

	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

// seconds converts a duration to the REAL seconds representation used by
// the schema.
func seconds(d time.Duration) float64 {
	return d.Seconds()
}

// durationFromSeconds converts a REAL seconds column back to a duration.
func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// dbTime is the canonical TEXT encoding for timestamp columns. The driver
// would otherwise pick its own format for time.Time arguments; binding
// strings keeps the on-disk encoding stable across driver upgrades.
func dbTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseDBTime converts a scanned timestamp column back to a time.Time.
// TEXT columns come back from the driver as strings (or raw bytes), so
// every timestamp read goes through here rather than scanning into
// time.Time directly.
func parseDBTime(v any) (time.Time, error) {
	switch tv := v.(type) {
	case time.Time:
		return tv.UTC(), nil
	case string:
		return parseTimeString(tv)
	case []byte:
		return parseTimeString(string(tv))
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

// parseOptionalDBTime is parseDBTime for nullable columns.
func parseOptionalDBTime(v any) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	t, err := parseDBTime(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseTimeString(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
