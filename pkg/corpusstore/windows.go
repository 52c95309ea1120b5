package corpusstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WindowStatus is the lifecycle status of a window.
type WindowStatus string

const (
	// StatusPending indicates the window is waiting for transcription.
	StatusPending WindowStatus = "pending"
	// StatusProcessing indicates a worker has claimed the window.
	StatusProcessing WindowStatus = "processing"
	// StatusReviewReady indicates transcription finished and the window is
	// waiting for a human pass.
	StatusReviewReady WindowStatus = "review_ready"
	// StatusApproved is terminal: every non-rejected utterance is verified.
	StatusApproved WindowStatus = "approved"
	// StatusRejected is terminal: the window was discarded by a reviewer.
	StatusRejected WindowStatus = "rejected"

	// StatusInReview is presentational only. A window is "in review" iff it
	// is review_ready and carries a non-expired lock; the lock is the source
	// of truth, not this value. It never appears in the status column.
	StatusInReview WindowStatus = "in_review"
)

// WindowKey addresses a window by its owning recording and index.
type WindowKey struct {
	RecordingID string
	Index       int
}

func (k WindowKey) String() string {
	return fmt.Sprintf("%s/%d", k.RecordingID, k.Index)
}

// Window represents one overlapping time slice of a recording.
type Window struct {
	RecordingID  string
	Index        int
	StrideStart  time.Duration
	Length       time.Duration
	AudioPath    string
	Status       WindowStatus
	FailureCount int
	LastError    string
	Lock         *Lock
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Key returns the window's address.
func (w *Window) Key() WindowKey {
	return WindowKey{RecordingID: w.RecordingID, Index: w.Index}
}

// EffectiveStatus folds lock presence into the presentational status: a
// review_ready window with a live lock reports as in_review.
func (w *Window) EffectiveStatus(now time.Time) WindowStatus {
	if w.Status == StatusReviewReady && w.Lock != nil && !w.Lock.Expired(now) {
		return StatusInReview
	}
	return w.Status
}

// InsertWindow registers a window in pending status.
//
// Insertion is idempotent on (recording_id, window_index): re-ingesting a
// recording leaves existing windows untouched. Returns true when a new row
// was created.
func InsertWindow(ctx context.Context, db *sql.DB, w Window) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC()
	res, err := db.ExecContext(ctx,
		`INSERT INTO windows
		 (recording_id, window_index, stride_start_seconds, length_seconds,
		  audio_path, status, failure_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(recording_id, window_index) DO NOTHING`,
		w.RecordingID, w.Index, seconds(w.StrideStart), seconds(w.Length),
		w.AudioPath, string(StatusPending), dbTime(now), dbTime(now))
	if err != nil {
		return false, fmt.Errorf("insert window: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert window rows affected: %w", err)
	}
	return n > 0, nil
}

const windowColumns = `recording_id, window_index, stride_start_seconds, length_seconds,
	audio_path, status, failure_count, last_error, lock_holder, lock_expires_at_ms,
	created_at, updated_at`

func scanWindow(row interface{ Scan(...any) error }) (*Window, error) {
	var w Window
	var startSec, lengthSec float64
	var status string
	var lastError, lockHolder sql.NullString
	var lockExpiresMs sql.NullInt64
	var createdAtRaw, updatedAtRaw any

	err := row.Scan(
		&w.RecordingID, &w.Index, &startSec, &lengthSec,
		&w.AudioPath, &status, &w.FailureCount, &lastError, &lockHolder, &lockExpiresMs,
		&createdAtRaw, &updatedAtRaw)
	if err != nil {
		return nil, err
	}

	if w.CreatedAt, err = parseDBTime(createdAtRaw); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if w.UpdatedAt, err = parseDBTime(updatedAtRaw); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	w.StrideStart = durationFromSeconds(startSec)
	w.Length = durationFromSeconds(lengthSec)
	w.Status = WindowStatus(status)
	if lastError.Valid {
		w.LastError = lastError.String
	}
	if lockHolder.Valid && lockExpiresMs.Valid {
		w.Lock = &Lock{
			Holder:    lockHolder.String,
			ExpiresAt: time.UnixMilli(lockExpiresMs.Int64).UTC(),
		}
	}

	return &w, nil
}

// GetWindow retrieves a window by key.
func GetWindow(ctx context.Context, db *sql.DB, key WindowKey) (*Window, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	row := db.QueryRowContext(ctx,
		`SELECT `+windowColumns+` FROM windows
		 WHERE recording_id = ? AND window_index = ?`,
		key.RecordingID, key.Index)

	w, err := scanWindow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("window %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get window: %w", err)
	}
	return w, nil
}

// ListWindows lists a recording's windows in index order.
//
// Index order is what makes the exporter's overlap-ownership decisions
// well-defined.
func ListWindows(ctx context.Context, db *sql.DB, recordingID string) ([]Window, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+windowColumns+` FROM windows
		 WHERE recording_id = ?
		 ORDER BY window_index`,
		recordingID)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var windows []Window
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		windows = append(windows, *w)
	}

	return windows, rows.Err()
}

// ClaimNextWindow atomically claims the oldest pending window for
// transcription and opens a ProcessingJob for it.
//
// The claim is a conditional pending→processing update, so two worker
// instances sharing the store can never double-claim a window: whichever
// update lands second affects zero rows and moves on to the next candidate.
// Returns ErrNoPendingWindows when nothing is eligible.
func ClaimNextWindow(ctx context.Context, db *sql.DB) (*Window, *ProcessingJob, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		row := db.QueryRowContext(ctx,
			`SELECT `+windowColumns+` FROM windows
			 WHERE status = ?
			 ORDER BY recording_id, window_index
			 LIMIT 1`,
			string(StatusPending))

		w, err := scanWindow(row)
		if err == sql.ErrNoRows {
			return nil, nil, ErrNoPendingWindows
		}
		if err != nil {
			return nil, nil, fmt.Errorf("select pending window: %w", err)
		}

		now := time.Now().UTC()
		res, err := db.ExecContext(ctx,
			`UPDATE windows SET status = ?, updated_at = ?
			 WHERE recording_id = ? AND window_index = ? AND status = ?`,
			string(StatusProcessing), dbTime(now),
			w.RecordingID, w.Index, string(StatusPending))
		if err != nil {
			return nil, nil, fmt.Errorf("claim window: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race to another worker; try the next candidate.
			continue
		}

		w.Status = StatusProcessing
		w.UpdatedAt = now

		job, err := createJob(ctx, db, w.Key(), w.FailureCount+1, now)
		if err != nil {
			return nil, nil, err
		}
		return w, job, nil
	}
}

// CompleteTranscription moves a claimed window to review_ready, replaces its
// utterances with the transcription result, and closes the job.
//
// Every utterance span is validated against the window length before any
// write happens; a single bad span rejects the whole batch.
func CompleteTranscription(ctx context.Context, db *sql.DB, key WindowKey, jobID string, utterances []Utterance) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w, err := GetWindow(ctx, db, key)
	if err != nil {
		return err
	}
	for _, u := range utterances {
		if err := validateSpan(u.RelStart, u.RelEnd, w.Length); err != nil {
			return fmt.Errorf("utterance %s: %w", u.UtteranceID, err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE windows SET status = ?, last_error = NULL, updated_at = ?
		 WHERE recording_id = ? AND window_index = ? AND status = ?`,
		string(StatusReviewReady), dbTime(now),
		key.RecordingID, key.Index, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("complete transcription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return transitionFailure(ctx, tx, key, StatusReviewReady)
	}

	// Replace, not append: a re-claimed window may carry utterances from an
	// earlier attempt.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM utterances WHERE recording_id = ? AND window_index = ?`,
		key.RecordingID, key.Index); err != nil {
		return fmt.Errorf("clear prior utterances: %w", err)
	}

	for _, u := range utterances {
		if err := insertUtteranceTx(ctx, tx, key, u, now); err != nil {
			return err
		}
	}

	if err := finishJobTx(ctx, tx, jobID, JobStatusDone, "", now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transcription: %w", err)
	}
	return nil
}

// FailTranscription reverts a claimed window to pending for a later retry
// and records the failure on both the window and the job.
//
// Failures are operator-visible: the failure count and last error stay on
// the window row until a retry succeeds or the window is re-queued.
func FailTranscription(ctx context.Context, db *sql.DB, key WindowKey, jobID string, cause string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE windows
		 SET status = ?, failure_count = failure_count + 1, last_error = ?, updated_at = ?
		 WHERE recording_id = ? AND window_index = ? AND status = ?`,
		string(StatusPending), cause, dbTime(now),
		key.RecordingID, key.Index, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("fail transcription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return transitionFailure(ctx, tx, key, StatusPending)
	}

	if err := finishJobTx(ctx, tx, jobID, JobStatusFailed, cause, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failure: %w", err)
	}
	return nil
}

// ApproveWindow moves a review_ready window to approved.
//
// Approval is gated inside the transaction: every utterance that is not
// rejected must be verified first.
func ApproveWindow(ctx context.Context, db *sql.DB, key WindowKey) error {
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var unverified int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM utterances
		 WHERE recording_id = ? AND window_index = ? AND verified = 0 AND rejected = 0`,
		key.RecordingID, key.Index).Scan(&unverified); err != nil {
		return fmt.Errorf("count unverified utterances: %w", err)
	}
	if unverified > 0 {
		return fmt.Errorf("window %s has %d unverified: %w", key, unverified, ErrUnverifiedUtterances)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE windows SET status = ?, updated_at = ?
		 WHERE recording_id = ? AND window_index = ? AND status = ?`,
		string(StatusApproved), dbTime(now),
		key.RecordingID, key.Index, string(StatusReviewReady))
	if err != nil {
		return fmt.Errorf("approve window: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return transitionFailure(ctx, tx, key, StatusApproved)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit approval: %w", err)
	}
	return nil
}

// RejectWindow moves a review_ready window to the terminal rejected status.
func RejectWindow(ctx context.Context, db *sql.DB, key WindowKey) error {
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC()
	res, err := db.ExecContext(ctx,
		`UPDATE windows SET status = ?, updated_at = ?
		 WHERE recording_id = ? AND window_index = ? AND status = ?`,
		string(StatusRejected), dbTime(now),
		key.RecordingID, key.Index, string(StatusReviewReady))
	if err != nil {
		return fmt.Errorf("reject window: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return transitionFailure(ctx, db, key, StatusRejected)
	}
	return nil
}

// RequeueWindow resets a window to pending and discards its utterances.
//
// This is the only way a window moves backward. A window that is currently
// claimed by a worker cannot be re-queued mid-flight.
func RequeueWindow(ctx context.Context, db *sql.DB, key WindowKey) error {
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE windows
		 SET status = ?, failure_count = 0, last_error = NULL, updated_at = ?
		 WHERE recording_id = ? AND window_index = ? AND status != ?`,
		string(StatusPending), dbTime(now),
		key.RecordingID, key.Index, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("requeue window: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return transitionFailure(ctx, tx, key, StatusPending)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM utterances WHERE recording_id = ? AND window_index = ?`,
		key.RecordingID, key.Index); err != nil {
		return fmt.Errorf("discard utterances: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit requeue: %w", err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// transitionFailure resolves why a conditional transition affected no rows:
// either the window is missing or its current status forbids the move.
func transitionFailure(ctx context.Context, q querier, key WindowKey, to WindowStatus) error {
	var status string
	err := q.QueryRowContext(ctx,
		`SELECT status FROM windows WHERE recording_id = ? AND window_index = ?`,
		key.RecordingID, key.Index).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("window %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read window status: %w", err)
	}
	return &TransitionError{From: WindowStatus(status), To: to}
}
