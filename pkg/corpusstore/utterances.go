package corpusstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Utterance is a transcribed-and-translated span of speech inside one
// window, in window-relative time.
//
// Verified and Rejected are independent flags: a rejected utterance is
// excluded from export regardless of verification, and an unverified,
// non-rejected utterance blocks its window's approval.
type Utterance struct {
	UtteranceID string
	RecordingID string
	WindowIndex int
	RelStart    time.Duration
	RelEnd      time.Duration
	Transcript  string
	Translation string
	Verified    bool
	Rejected    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// validateSpan rejects malformed or out-of-window timestamps before they
// reach the store.
func validateSpan(relStart, relEnd, windowLength time.Duration) error {
	if relStart < 0 {
		return fmt.Errorf("%w: start %s is negative", ErrInvalidSpan, relStart)
	}
	if relStart >= relEnd {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidSpan, relStart, relEnd)
	}
	if relEnd > windowLength {
		return fmt.Errorf("%w: end %s exceeds window length %s", ErrInvalidSpan, relEnd, windowLength)
	}
	return nil
}

func insertUtteranceTx(ctx context.Context, tx *sql.Tx, key WindowKey, u Utterance, now time.Time) error {
	if u.UtteranceID == "" {
		return fmt.Errorf("utterance id is required")
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO utterances
		 (utterance_id, recording_id, window_index, rel_start_seconds, rel_end_seconds,
		  transcript, translation, verified, rejected, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.UtteranceID, key.RecordingID, key.Index,
		seconds(u.RelStart), seconds(u.RelEnd),
		u.Transcript, u.Translation, boolToInt(u.Verified), boolToInt(u.Rejected),
		dbTime(now), dbTime(now))
	if err != nil {
		return fmt.Errorf("insert utterance %s: %w", u.UtteranceID, err)
	}
	return nil
}

const utteranceColumns = `utterance_id, recording_id, window_index,
	rel_start_seconds, rel_end_seconds, transcript, translation,
	verified, rejected, created_at, updated_at`

func scanUtterance(row interface{ Scan(...any) error }) (*Utterance, error) {
	var u Utterance
	var startSec, endSec float64
	var verified, rejected int
	var createdAtRaw, updatedAtRaw any

	err := row.Scan(
		&u.UtteranceID, &u.RecordingID, &u.WindowIndex,
		&startSec, &endSec, &u.Transcript, &u.Translation,
		&verified, &rejected, &createdAtRaw, &updatedAtRaw)
	if err != nil {
		return nil, err
	}

	if u.CreatedAt, err = parseDBTime(createdAtRaw); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if u.UpdatedAt, err = parseDBTime(updatedAtRaw); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	u.RelStart = durationFromSeconds(startSec)
	u.RelEnd = durationFromSeconds(endSec)
	u.Verified = verified != 0
	u.Rejected = rejected != 0
	return &u, nil
}

// GetUtterance retrieves an utterance by ID.
func GetUtterance(ctx context.Context, db *sql.DB, utteranceID string) (*Utterance, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	row := db.QueryRowContext(ctx,
		`SELECT `+utteranceColumns+` FROM utterances WHERE utterance_id = ?`,
		utteranceID)

	u, err := scanUtterance(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("utterance %s: %w", utteranceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get utterance: %w", err)
	}
	return u, nil
}

// ListUtterances lists a window's utterances ordered by start time.
func ListUtterances(ctx context.Context, db *sql.DB, key WindowKey) ([]Utterance, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+utteranceColumns+` FROM utterances
		 WHERE recording_id = ? AND window_index = ?
		 ORDER BY rel_start_seconds, utterance_id`,
		key.RecordingID, key.Index)
	if err != nil {
		return nil, fmt.Errorf("list utterances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var utterances []Utterance
	for rows.Next() {
		u, err := scanUtterance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan utterance: %w", err)
		}
		utterances = append(utterances, *u)
	}

	return utterances, rows.Err()
}

// UtteranceUpdate describes a partial edit to an utterance. Nil fields are
// left untouched. RelStart and RelEnd must be set together.
type UtteranceUpdate struct {
	Transcript  *string
	Translation *string
	RelStart    *time.Duration
	RelEnd      *time.Duration
	Verified    *bool
	Rejected    *bool
}

// UpdateUtterance applies a human edit on behalf of holder.
//
// The edit only lands if holder owns a live lock on the utterance's window;
// the lock check is part of the UPDATE's predicate, so an expiring lock
// cannot race the write. Timestamp changes are validated against the window
// length before anything is written.
func UpdateUtterance(ctx context.Context, db *sql.DB, utteranceID, holder string, upd UtteranceUpdate, now time.Time) (*Utterance, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if (upd.RelStart == nil) != (upd.RelEnd == nil) {
		return nil, fmt.Errorf("%w: start and end must be updated together", ErrInvalidSpan)
	}

	existing, err := GetUtterance(ctx, db, utteranceID)
	if err != nil {
		return nil, err
	}
	key := WindowKey{RecordingID: existing.RecordingID, Index: existing.WindowIndex}

	if upd.RelStart != nil {
		w, err := GetWindow(ctx, db, key)
		if err != nil {
			return nil, err
		}
		if err := validateSpan(*upd.RelStart, *upd.RelEnd, w.Length); err != nil {
			return nil, err
		}
	}

	set := "updated_at = ?"
	args := []any{dbTime(now)}
	if upd.Transcript != nil {
		set += ", transcript = ?"
		args = append(args, *upd.Transcript)
	}
	if upd.Translation != nil {
		set += ", translation = ?"
		args = append(args, *upd.Translation)
	}
	if upd.RelStart != nil {
		set += ", rel_start_seconds = ?, rel_end_seconds = ?"
		args = append(args, seconds(*upd.RelStart), seconds(*upd.RelEnd))
	}
	if upd.Verified != nil {
		set += ", verified = ?"
		args = append(args, boolToInt(*upd.Verified))
	}
	if upd.Rejected != nil {
		set += ", rejected = ?"
		args = append(args, boolToInt(*upd.Rejected))
	}
	args = append(args, utteranceID, holder, now.UTC().UnixMilli())

	res, err := db.ExecContext(ctx,
		`UPDATE utterances SET `+set+`
		 WHERE utterance_id = ?
		   AND EXISTS (
		     SELECT 1 FROM windows w
		     WHERE w.recording_id = utterances.recording_id
		       AND w.window_index = utterances.window_index
		       AND w.lock_holder = ?
		       AND w.lock_expires_at_ms >= ?)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("update utterance: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return nil, holderFailure(ctx, db, key, holder, now)
	}

	return GetUtterance(ctx, db, utteranceID)
}

// VerifyAllUtterances marks every non-rejected utterance of a window
// verified, on behalf of holder. Returns the number of utterances flipped.
//
// Like single edits, the bulk verify is gated on holder owning a live lock
// inside the same statement.
func VerifyAllUtterances(ctx context.Context, db *sql.DB, key WindowKey, holder string, now time.Time) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	lock, err := GetLock(ctx, db, key)
	if err != nil {
		return 0, err
	}
	if lock == nil || lock.Expired(now) || lock.Holder != holder {
		return 0, holderFailure(ctx, db, key, holder, now)
	}

	res, err := db.ExecContext(ctx,
		`UPDATE utterances SET verified = 1, updated_at = ?
		 WHERE recording_id = ? AND window_index = ? AND rejected = 0 AND verified = 0
		   AND EXISTS (
		     SELECT 1 FROM windows w
		     WHERE w.recording_id = utterances.recording_id
		       AND w.window_index = utterances.window_index
		       AND w.lock_holder = ?
		       AND w.lock_expires_at_ms >= ?)`,
		dbTime(now), key.RecordingID, key.Index, holder, now.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("verify all utterances: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("verify all rows affected: %w", err)
	}
	return n, nil
}

// holderFailure explains a failed lock-gated mutation: no lock, lapsed
// lock, or someone else's lock.
func holderFailure(ctx context.Context, db *sql.DB, key WindowKey, holder string, now time.Time) error {
	lock, err := GetLock(ctx, db, key)
	if err != nil {
		return err
	}
	if lock != nil && !lock.Expired(now) && lock.Holder != holder {
		return &LockConflictError{Holder: lock.Holder}
	}
	return fmt.Errorf("editing %s requires a live lock held by %q: %w", key, holder, ErrNotHolder)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
