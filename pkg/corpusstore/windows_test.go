package corpusstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleUtterances() []Utterance {
	return []Utterance{
		{
			UtteranceID: "utt-1",
			RelStart:    1 * time.Second,
			RelEnd:      4 * time.Second,
			Transcript:  "first line",
			Translation: "first translation",
		},
		{
			UtteranceID: "utt-2",
			RelStart:    10 * time.Second,
			RelEnd:      15 * time.Second,
			Transcript:  "second line",
			Translation: "second translation",
		},
	}
}

func TestInsertWindowIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedRecording(t, db, "rec-insert")

	// A second insert of window 0 is a no-op, even with different geometry.
	created, err := InsertWindow(ctx, db, Window{
		RecordingID: "rec-insert",
		Index:       0,
		StrideStart: 999 * time.Second,
		Length:      1 * time.Second,
	})
	require.NoError(t, err)
	assert.False(t, created)

	w, err := GetWindow(ctx, db, WindowKey{RecordingID: "rec-insert", Index: 0})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), w.StrideStart)
	assert.Equal(t, 305*time.Second, w.Length)
	assert.Equal(t, StatusPending, w.Status)
}

func TestClaimNextWindow(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedRecording(t, db, "rec-claim")

	t.Run("claims in index order", func(t *testing.T) {
		w, job, err := ClaimNextWindow(ctx, db)
		require.NoError(t, err)
		assert.Equal(t, 0, w.Index)
		assert.Equal(t, StatusProcessing, w.Status)
		require.NotNil(t, job)
		assert.Equal(t, 1, job.Attempt)
		assert.Equal(t, JobStatusInProgress, job.Status)
	})

	t.Run("claimed windows are skipped", func(t *testing.T) {
		w, _, err := ClaimNextWindow(ctx, db)
		require.NoError(t, err)
		assert.Equal(t, 1, w.Index)

		w, _, err = ClaimNextWindow(ctx, db)
		require.NoError(t, err)
		assert.Equal(t, 2, w.Index)
	})

	t.Run("exhausted queue", func(t *testing.T) {
		_, _, err := ClaimNextWindow(ctx, db)
		assert.ErrorIs(t, err, ErrNoPendingWindows)
	})
}

func TestCompleteTranscription(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedRecording(t, db, "rec-complete")

	w, job, err := ClaimNextWindow(ctx, db)
	require.NoError(t, err)

	t.Run("stores utterances and moves to review_ready", func(t *testing.T) {
		require.NoError(t, CompleteTranscription(ctx, db, w.Key(), job.JobID, sampleUtterances()))

		got, err := GetWindow(ctx, db, w.Key())
		require.NoError(t, err)
		assert.Equal(t, StatusReviewReady, got.Status)

		utts, err := ListUtterances(ctx, db, w.Key())
		require.NoError(t, err)
		require.Len(t, utts, 2)
		assert.Equal(t, "utt-1", utts[0].UtteranceID)
		assert.Equal(t, 1*time.Second, utts[0].RelStart)
		assert.False(t, utts[0].Verified)

		j, err := GetJob(ctx, db, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusDone, j.Status)
		require.NotNil(t, j.FinishedAt)
	})

	t.Run("double completion is rejected", func(t *testing.T) {
		err := CompleteTranscription(ctx, db, w.Key(), job.JobID, sampleUtterances())
		var te *TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, StatusReviewReady, te.From)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	})
}

func TestCompleteTranscriptionRejectsBadSpans(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedRecording(t, db, "rec-spans")

	w, job, err := ClaimNextWindow(ctx, db)
	require.NoError(t, err)

	bad := sampleUtterances()
	bad[1].RelEnd = w.Length + time.Second

	err = CompleteTranscription(ctx, db, w.Key(), job.JobID, bad)
	assert.True(t, IsInvalidSpan(err))

	// The whole batch is rejected: nothing was written and the window is
	// still claimed.
	got, err := GetWindow(ctx, db, w.Key())
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)

	utts, err := ListUtterances(ctx, db, w.Key())
	require.NoError(t, err)
	assert.Empty(t, utts)
}

func TestFailTranscription(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedRecording(t, db, "rec-fail")

	w, job, err := ClaimNextWindow(ctx, db)
	require.NoError(t, err)

	require.NoError(t, FailTranscription(ctx, db, w.Key(), job.JobID, "engine timeout"))

	got, err := GetWindow(ctx, db, w.Key())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.FailureCount)
	assert.Equal(t, "engine timeout", got.LastError)

	j, err := GetJob(ctx, db, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, j.Status)
	assert.Equal(t, "engine timeout", j.Error)

	// The window goes back to the front of the queue and the next attempt
	// is numbered after the failure.
	w2, job2, err := ClaimNextWindow(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, w.Key(), w2.Key())
	assert.Equal(t, 2, job2.Attempt)
}

func TestApproveWindow(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedRecording(t, db, "rec-approve")

	w, job, err := ClaimNextWindow(ctx, db)
	require.NoError(t, err)
	require.NoError(t, CompleteTranscription(ctx, db, w.Key(), job.JobID, sampleUtterances()))

	now := time.Now().UTC()
	_, err = AcquireLock(ctx, db, w.Key(), "reviewer", time.Hour, now)
	require.NoError(t, err)

	t.Run("unverified utterances block approval", func(t *testing.T) {
		err := ApproveWindow(ctx, db, w.Key())
		assert.ErrorIs(t, err, ErrUnverifiedUtterances)
	})

	t.Run("rejected utterances do not block approval", func(t *testing.T) {
		rejected := true
		_, err := UpdateUtterance(ctx, db, "utt-2", "reviewer", UtteranceUpdate{Rejected: &rejected}, now)
		require.NoError(t, err)

		// utt-1 is still unverified.
		err = ApproveWindow(ctx, db, w.Key())
		assert.ErrorIs(t, err, ErrUnverifiedUtterances)

		verified := true
		_, err = UpdateUtterance(ctx, db, "utt-1", "reviewer", UtteranceUpdate{Verified: &verified}, now)
		require.NoError(t, err)

		require.NoError(t, ApproveWindow(ctx, db, w.Key()))

		got, err := GetWindow(ctx, db, w.Key())
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, got.Status)
	})

	t.Run("approval is terminal", func(t *testing.T) {
		err := ApproveWindow(ctx, db, w.Key())
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	})
}

func TestRejectWindow(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedRecording(t, db, "rec-reject")

	w, job, err := ClaimNextWindow(ctx, db)
	require.NoError(t, err)

	t.Run("only review_ready can be rejected", func(t *testing.T) {
		err := RejectWindow(ctx, db, w.Key())
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	})

	t.Run("reject from review_ready", func(t *testing.T) {
		require.NoError(t, CompleteTranscription(ctx, db, w.Key(), job.JobID, sampleUtterances()))
		require.NoError(t, RejectWindow(ctx, db, w.Key()))

		got, err := GetWindow(ctx, db, w.Key())
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, got.Status)
	})
}

func TestRequeueWindow(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedRecording(t, db, "rec-requeue")

	w, job, err := ClaimNextWindow(ctx, db)
	require.NoError(t, err)

	t.Run("processing windows cannot be requeued", func(t *testing.T) {
		err := RequeueWindow(ctx, db, w.Key())
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	})

	t.Run("requeue resets state and discards utterances", func(t *testing.T) {
		require.NoError(t, FailTranscription(ctx, db, w.Key(), job.JobID, "boom"))
		w2, job2, err := ClaimNextWindow(ctx, db)
		require.NoError(t, err)
		require.Equal(t, w.Key(), w2.Key())
		require.NoError(t, CompleteTranscription(ctx, db, w2.Key(), job2.JobID, sampleUtterances()))
		require.NoError(t, RejectWindow(ctx, db, w2.Key()))

		require.NoError(t, RequeueWindow(ctx, db, w2.Key()))

		got, err := GetWindow(ctx, db, w2.Key())
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, 0, got.FailureCount)
		assert.Empty(t, got.LastError)

		utts, err := ListUtterances(ctx, db, w2.Key())
		require.NoError(t, err)
		assert.Empty(t, utts)
	})

	t.Run("missing window", func(t *testing.T) {
		err := RequeueWindow(ctx, db, WindowKey{RecordingID: "rec-requeue", Index: 42})
		assert.True(t, IsNotFound(err))
	})
}
