package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/quillaudio/scriptorium/internal/errors"
	"github.com/quillaudio/scriptorium/pkg/corpusstore"
)

func newTestServer(t *testing.T) (*Server, *sql.DB) {
	t.Helper()
	ctx := context.Background()

	db, err := corpusstore.Open(ctx, corpusstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, corpusstore.Migrate(ctx, db))

	version := VersionInfo{Version: "test", Commit: "none", BuildDate: "today"}
	return New(db, "127.0.0.1", 0, version, nil), db
}

// seedReviewReady creates a recording with one review_ready window holding
// two unverified utterances.
func seedReviewReady(t *testing.T, db *sql.DB, recordingID string) corpusstore.WindowKey {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, corpusstore.UpsertRecording(ctx, db, corpusstore.Recording{
		RecordingID: recordingID,
		SourcePath:  "/audio/" + recordingID + ".wav",
		Duration:    305 * time.Second,
		Stride:      300 * time.Second,
		Overlap:     5 * time.Second,
	}))
	_, err := corpusstore.InsertWindow(ctx, db, corpusstore.Window{
		RecordingID: recordingID,
		Index:       0,
		StrideStart: 0,
		Length:      305 * time.Second,
		AudioPath:   "/chunks/" + recordingID + "/0.wav",
	})
	require.NoError(t, err)

	w, job, err := corpusstore.ClaimNextWindow(ctx, db)
	require.NoError(t, err)
	require.NoError(t, corpusstore.CompleteTranscription(ctx, db, w.Key(), job.JobID, []corpusstore.Utterance{
		{UtteranceID: "utt-1", RelStart: 1 * time.Second, RelEnd: 4 * time.Second, Transcript: "first line"},
		{UtteranceID: "utt-2", RelStart: 10 * time.Second, RelEnd: 15 * time.Second, Transcript: "second line"},
	}))
	return w.Key()
}

func doRequest(t *testing.T, h http.Handler, method, path, editor string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if editor != "" {
		req.Header.Set(EditorHeader, editor)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestServerErrorEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	t.Run("unknown path", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/does-not-exist", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, apperrors.CodeNotFound, decodeError(t, rec).Error.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/version", "", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, apperrors.CodeMethodNotAllowed, decodeError(t, rec).Error.Code)
	})

	t.Run("unknown recording", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/api/recordings/ghost", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServerHealthAndVersion(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/version", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var version VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&version))
	assert.Equal(t, "test", version.Version)
}

func TestServerLockLifecycle(t *testing.T) {
	srv, db := newTestServer(t)
	seedReviewReady(t, db, "rec-1")
	h := srv.Handler()

	lockPath := "/api/recordings/rec-1/windows/0/lock"

	t.Run("acquire requires an editor", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, lockPath, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("acquire grants the lock", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, lockPath, "alice", map[string]any{"ttl_seconds": 600})
		require.Equal(t, http.StatusOK, rec.Code)

		var lock lockView
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&lock))
		assert.Equal(t, "alice", lock.Holder)
		assert.True(t, lock.ExpiresAt.After(time.Now()))
	})

	t.Run("competing acquire names the holder", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, lockPath, "bob", nil)
		require.Equal(t, http.StatusConflict, rec.Code)

		body := decodeError(t, rec)
		assert.Equal(t, apperrors.CodeLockConflict, body.Error.Code)
		assert.Equal(t, "alice", body.Error.Holder)
	})

	t.Run("locked window reports in_review", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/api/recordings/rec-1/windows/0/", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var view struct {
			Status string    `json:"status"`
			Lock   *lockView `json:"lock"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
		assert.Equal(t, "in_review", view.Status)
		require.NotNil(t, view.Lock)
		assert.Equal(t, "alice", view.Lock.Holder)
	})

	t.Run("refresh extends for the holder", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPut, lockPath, "alice", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("release by a stranger is rejected", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodDelete, lockPath, "bob", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, apperrors.CodeNotHolder, decodeError(t, rec).Error.Code)
	})

	t.Run("release by the holder clears the lock", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodDelete, lockPath, "alice", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = doRequest(t, h, http.MethodPost, lockPath, "bob", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestServerEditAndReviewFlow(t *testing.T) {
	srv, db := newTestServer(t)
	seedReviewReady(t, db, "rec-2")
	h := srv.Handler()

	base := "/api/recordings/rec-2/windows/0"
	rec := doRequest(t, h, http.MethodPost, base+"/lock", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("edit without a lock holder fails", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPatch, "/api/utterances/utt-1", "", map[string]any{"transcript": "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("edit by a non-holder conflicts", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPatch, "/api/utterances/utt-1", "bob", map[string]any{"transcript": "x"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "alice", decodeError(t, rec).Error.Holder)
	})

	t.Run("holder edits transcript and span", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPatch, "/api/utterances/utt-1", "alice", map[string]any{
			"transcript":        "corrected",
			"rel_start_seconds": 2.0,
			"rel_end_seconds":   5.0,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var view utteranceView
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
		assert.Equal(t, "corrected", view.Transcript)
		assert.Equal(t, 2.0, view.RelStartSec)
		assert.Equal(t, 5.0, view.RelEndSec)
	})

	t.Run("out-of-window span is rejected", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPatch, "/api/utterances/utt-1", "alice", map[string]any{
			"rel_start_seconds": 300.0,
			"rel_end_seconds":   306.0,
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, apperrors.CodeInvalidSpan, decodeError(t, rec).Error.Code)
	})

	t.Run("approval is blocked while utterances are unverified", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, base+"/approve", "", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, apperrors.CodeUnverified, decodeError(t, rec).Error.Code)
	})

	t.Run("verify all then approve", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, base+"/verify", "alice", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var result map[string]int64
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
		assert.Equal(t, int64(2), result["verified"])

		rec = doRequest(t, h, http.MethodPost, base+"/approve", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var view windowView
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
		assert.Equal(t, "approved", view.Status)
	})

	t.Run("approve is terminal", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, base+"/approve", "", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, apperrors.CodeInvalidTransition, decodeError(t, rec).Error.Code)
	})
}

func TestServerRequeue(t *testing.T) {
	srv, db := newTestServer(t)
	seedReviewReady(t, db, "rec-3")
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/recordings/rec-3/windows/0/requeue", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view windowView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, "pending", view.Status)

	win := doRequest(t, h, http.MethodGet, "/api/recordings/rec-3/windows/0/", "", nil)
	var detail struct {
		Utterances []utteranceView `json:"utterances"`
	}
	require.NoError(t, json.NewDecoder(win.Body).Decode(&detail))
	assert.Empty(t, detail.Utterances)
}

func TestServerRecordingStatusCounts(t *testing.T) {
	srv, db := newTestServer(t)
	seedReviewReady(t, db, "rec-4")
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/recordings/rec-4", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view recordingView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, int64(1), view.WindowStatuses["review_ready"])
	assert.Equal(t, 305.0, view.DurationSec)
}
