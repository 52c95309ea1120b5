package corpusstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Lock is a time-boxed editing claim on a window.
//
// A lock is a value on the window row, not an entity with its own
// lifecycle: it is reset, never versioned. A lock whose expiry has passed
// is treated as absent; nothing ever deletes it eagerly.
type Lock struct {
	Holder    string
	ExpiresAt time.Time
}

// Expired reports whether the lock is past its expiry at the given instant.
func (l Lock) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// AcquireLock grants the window's editing lock to holder for ttl.
//
// Unlocked and expired-locked windows can be claimed by anyone; an acquire
// by the current non-expired holder extends the lock (refresh semantics).
// An acquire against another holder's live lock returns a LockConflictError
// naming the current holder.
//
// The expiry comparison is bound into the same conditional UPDATE that
// grants the lock, so there is no check-then-act gap: of two concurrent
// acquires, exactly one update matches. This is still an optimistic,
// best-effort mechanism for a small cooperating user base, not a
// distributed lock service.
func AcquireLock(ctx context.Context, db *sql.DB, key WindowKey, holder string, ttl time.Duration, now time.Time) (*Lock, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if holder == "" {
		return nil, fmt.Errorf("lock holder is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}
	now = now.UTC()
	expiresAt := now.Add(ttl)

	res, err := db.ExecContext(ctx,
		`UPDATE windows SET lock_holder = ?, lock_expires_at_ms = ?, updated_at = ?
		 WHERE recording_id = ? AND window_index = ?
		   AND (lock_holder IS NULL OR lock_holder = ? OR lock_expires_at_ms < ?)`,
		holder, expiresAt.UnixMilli(), dbTime(now),
		key.RecordingID, key.Index,
		holder, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquire lock rows affected: %w", err)
	}
	if n > 0 {
		return &Lock{Holder: holder, ExpiresAt: expiresAt}, nil
	}

	// The conditional update matched nothing: either the window does not
	// exist, or someone else holds a live lock.
	current, err := GetLock(ctx, db, key)
	if err != nil {
		return nil, err
	}
	if current == nil {
		// Lock vanished between the update and the read; the caller should
		// simply retry.
		return nil, &LockConflictError{Holder: ""}
	}
	return nil, &LockConflictError{Holder: current.Holder}
}

// RefreshLock extends the lock's expiry for its current holder.
//
// Unlike acquire, refresh never claims an unlocked or expired window: a
// holder whose lock lapsed must go through AcquireLock again (and may find
// someone else took it).
func RefreshLock(ctx context.Context, db *sql.DB, key WindowKey, holder string, ttl time.Duration, now time.Time) (*Lock, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now = now.UTC()
	expiresAt := now.Add(ttl)

	res, err := db.ExecContext(ctx,
		`UPDATE windows SET lock_expires_at_ms = ?, updated_at = ?
		 WHERE recording_id = ? AND window_index = ?
		   AND lock_holder = ? AND lock_expires_at_ms >= ?`,
		expiresAt.UnixMilli(), dbTime(now),
		key.RecordingID, key.Index,
		holder, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("refresh lock: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		current, err := GetLock(ctx, db, key)
		if err != nil {
			return nil, err
		}
		if current == nil || current.Expired(now) {
			return nil, fmt.Errorf("lock on %s has lapsed: %w", key, ErrNotHolder)
		}
		return nil, &LockConflictError{Holder: current.Holder}
	}

	return &Lock{Holder: holder, ExpiresAt: expiresAt}, nil
}

// ReleaseLock clears the lock if (and only if) holder owns it.
//
// Releasing an already-released or expired lock you used to hold returns
// ErrNotHolder; release is otherwise idempotent from the holder's view
// because a successful release leaves nothing to release again.
func ReleaseLock(ctx context.Context, db *sql.DB, key WindowKey, holder string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := db.ExecContext(ctx,
		`UPDATE windows SET lock_holder = NULL, lock_expires_at_ms = NULL, updated_at = ?
		 WHERE recording_id = ? AND window_index = ? AND lock_holder = ?`,
		dbTime(time.Now()),
		key.RecordingID, key.Index, holder)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release on %s by %q: %w", key, holder, ErrNotHolder)
	}
	return nil
}

// GetLock reads the window's lock, expired or not. Returns nil when the
// window has no lock at all.
func GetLock(ctx context.Context, db *sql.DB, key WindowKey) (*Lock, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var holder sql.NullString
	var expiresMs sql.NullInt64

	err := db.QueryRowContext(ctx,
		`SELECT lock_holder, lock_expires_at_ms FROM windows
		 WHERE recording_id = ? AND window_index = ?`,
		key.RecordingID, key.Index).Scan(&holder, &expiresMs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("window %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}

	if !holder.Valid || !expiresMs.Valid {
		return nil, nil
	}
	return &Lock{Holder: holder.String, ExpiresAt: time.UnixMilli(expiresMs.Int64).UTC()}, nil
}
