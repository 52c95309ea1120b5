package corpusstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedRecording(t, db, "rec-lock")
	key := WindowKey{RecordingID: "rec-lock", Index: 0}

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("contested lock resolves by expiry", func(t *testing.T) {
		lock, err := AcquireLock(ctx, db, key, "user1", 30*time.Minute, base)
		require.NoError(t, err)
		assert.Equal(t, "user1", lock.Holder)
		assert.Equal(t, base.Add(30*time.Minute), lock.ExpiresAt)

		// Ten minutes in, the lock is still user1's.
		_, err = AcquireLock(ctx, db, key, "user2", 30*time.Minute, base.Add(10*time.Minute))
		var conflict *LockConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "user1", conflict.Holder)
		assert.True(t, IsLockConflict(err))

		// One minute past expiry, user2 takes over without any release step.
		lock, err = AcquireLock(ctx, db, key, "user2", 30*time.Minute, base.Add(31*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, "user2", lock.Holder)
	})

	t.Run("re-acquire by holder extends", func(t *testing.T) {
		at := base.Add(40 * time.Minute)
		lock, err := AcquireLock(ctx, db, key, "user2", 30*time.Minute, at)
		require.NoError(t, err)
		assert.Equal(t, at.Add(30*time.Minute), lock.ExpiresAt)
	})

	t.Run("missing window", func(t *testing.T) {
		_, err := AcquireLock(ctx, db, WindowKey{RecordingID: "rec-lock", Index: 99}, "user1", time.Minute, base)
		assert.True(t, IsNotFound(err))
	})

	t.Run("invalid arguments", func(t *testing.T) {
		_, err := AcquireLock(ctx, db, key, "", time.Minute, base)
		require.Error(t, err)
		_, err = AcquireLock(ctx, db, key, "user1", 0, base)
		require.Error(t, err)
	})
}

func TestRefreshLock(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedRecording(t, db, "rec-refresh")
	key := WindowKey{RecordingID: "rec-refresh", Index: 0}

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	_, err := AcquireLock(ctx, db, key, "user1", 30*time.Minute, base)
	require.NoError(t, err)

	t.Run("holder refreshes a live lock", func(t *testing.T) {
		lock, err := RefreshLock(ctx, db, key, "user1", 30*time.Minute, base.Add(20*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, base.Add(50*time.Minute), lock.ExpiresAt)
	})

	t.Run("non-holder cannot refresh", func(t *testing.T) {
		_, err := RefreshLock(ctx, db, key, "user2", 30*time.Minute, base.Add(20*time.Minute))
		var conflict *LockConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "user1", conflict.Holder)
	})

	t.Run("lapsed lock cannot be refreshed", func(t *testing.T) {
		_, err := RefreshLock(ctx, db, key, "user1", 30*time.Minute, base.Add(2*time.Hour))
		assert.True(t, IsNotHolder(err))
	})
}

func TestReleaseLock(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedRecording(t, db, "rec-release")
	key := WindowKey{RecordingID: "rec-release", Index: 0}

	now := time.Now().UTC()
	_, err := AcquireLock(ctx, db, key, "user1", 30*time.Minute, now)
	require.NoError(t, err)

	t.Run("non-holder release is rejected", func(t *testing.T) {
		err := ReleaseLock(ctx, db, key, "user2")
		assert.True(t, IsNotHolder(err))
	})

	t.Run("holder release clears the lock", func(t *testing.T) {
		require.NoError(t, ReleaseLock(ctx, db, key, "user1"))

		lock, err := GetLock(ctx, db, key)
		require.NoError(t, err)
		assert.Nil(t, lock)
	})

	t.Run("second release finds nothing to release", func(t *testing.T) {
		err := ReleaseLock(ctx, db, key, "user1")
		assert.True(t, IsNotHolder(err))
	})
}

func TestLockSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/corpus.db"

	db, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, db))
	seedRecording(t, db, "rec-durable")
	key := WindowKey{RecordingID: "rec-durable", Index: 0}

	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err = AcquireLock(ctx, db, key, "user1", time.Hour, now)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	lock, err := GetLock(ctx, db, key)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "user1", lock.Holder)
	assert.Equal(t, now.Add(time.Hour), lock.ExpiresAt)
}

func TestEffectiveStatus(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedRecording(t, db, "rec-effective")

	w, job, err := ClaimNextWindow(ctx, db)
	require.NoError(t, err)
	require.NoError(t, CompleteTranscription(ctx, db, w.Key(), job.JobID, nil))

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	_, err = AcquireLock(ctx, db, w.Key(), "reviewer", 30*time.Minute, base)
	require.NoError(t, err)

	got, err := GetWindow(ctx, db, w.Key())
	require.NoError(t, err)

	// The stored status stays review_ready; in_review is derived from the
	// live lock and evaporates with it.
	assert.Equal(t, StatusReviewReady, got.Status)
	assert.Equal(t, StatusInReview, got.EffectiveStatus(base.Add(10*time.Minute)))
	assert.Equal(t, StatusReviewReady, got.EffectiveStatus(base.Add(31*time.Minute)))
}

func TestLockConflictErrorUnwrap(t *testing.T) {
	err := error(&LockConflictError{Holder: "user1"})
	assert.True(t, errors.Is(err, ErrLockConflict))
	assert.Contains(t, err.Error(), "user1")
}
