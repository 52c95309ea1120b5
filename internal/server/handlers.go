package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/quillaudio/scriptorium/internal/errors"
	"github.com/quillaudio/scriptorium/pkg/corpusstore"
)

// EditorHeader carries the acting editor's identifier on lock and edit
// operations.
const EditorHeader = "X-Editor-ID"

// defaultLockTTL applies when an acquire or refresh request names no TTL.
const defaultLockTTL = 30 * time.Minute

type recordingView struct {
	RecordingID    string           `json:"recording_id"`
	SourcePath     string           `json:"source_path"`
	DurationSec    float64          `json:"duration_seconds"`
	StrideSec      float64          `json:"stride_seconds"`
	OverlapSec     float64          `json:"overlap_seconds"`
	ExportedAt     *time.Time       `json:"exported_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	WindowStatuses map[string]int64 `json:"window_statuses,omitempty"`
}

type lockView struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

type windowView struct {
	RecordingID    string    `json:"recording_id"`
	Index          int       `json:"index"`
	StrideStartSec float64   `json:"stride_start_seconds"`
	LengthSec      float64   `json:"length_seconds"`
	AudioPath      string    `json:"audio_path"`
	Status         string    `json:"status"`
	FailureCount   int       `json:"failure_count"`
	LastError      string    `json:"last_error,omitempty"`
	Lock           *lockView `json:"lock,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type utteranceView struct {
	UtteranceID string  `json:"utterance_id"`
	RelStartSec float64 `json:"rel_start_seconds"`
	RelEndSec   float64 `json:"rel_end_seconds"`
	Transcript  string  `json:"transcript"`
	Translation string  `json:"translation"`
	Verified    bool    `json:"verified"`
	Rejected    bool    `json:"rejected"`
}

type exportRunView struct {
	RunID              string     `json:"run_id"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	Status             string     `json:"status"`
	UtterancesExported int        `json:"utterances_exported"`
	ClipsWritten       int        `json:"clips_written"`
	ManifestPath       string     `json:"manifest_path,omitempty"`
}

func recordingToView(rec *corpusstore.Recording) recordingView {
	return recordingView{
		RecordingID: rec.RecordingID,
		SourcePath:  rec.SourcePath,
		DurationSec: rec.Duration.Seconds(),
		StrideSec:   rec.Stride.Seconds(),
		OverlapSec:  rec.Overlap.Seconds(),
		ExportedAt:  rec.ExportedAt,
		CreatedAt:   rec.CreatedAt,
	}
}

func (s *Server) windowToView(w *corpusstore.Window) windowView {
	v := windowView{
		RecordingID:    w.RecordingID,
		Index:          w.Index,
		StrideStartSec: w.StrideStart.Seconds(),
		LengthSec:      w.Length.Seconds(),
		AudioPath:      w.AudioPath,
		Status:         string(w.EffectiveStatus(s.now())),
		FailureCount:   w.FailureCount,
		LastError:      w.LastError,
		UpdatedAt:      w.UpdatedAt,
	}
	if w.Lock != nil && !w.Lock.Expired(s.now()) {
		v.Lock = &lockView{Holder: w.Lock.Holder, ExpiresAt: w.Lock.ExpiresAt}
	}
	return v
}

func utteranceToView(u *corpusstore.Utterance) utteranceView {
	return utteranceView{
		UtteranceID: u.UtteranceID,
		RelStartSec: u.RelStart.Seconds(),
		RelEndSec:   u.RelEnd.Seconds(),
		Transcript:  u.Transcript,
		Translation: u.Translation,
		Verified:    u.Verified,
		Rejected:    u.Rejected,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// windowKey parses the recording ID and window index from the URL.
func windowKey(r *http.Request) (corpusstore.WindowKey, bool) {
	idx, err := strconv.Atoi(chi.URLParam(r, "windowIndex"))
	if err != nil || idx < 0 {
		return corpusstore.WindowKey{}, false
	}
	return corpusstore.WindowKey{
		RecordingID: chi.URLParam(r, "recordingID"),
		Index:       idx,
	}, true
}

// editor extracts the acting editor from the request header.
func editor(r *http.Request) string {
	return r.Header.Get(EditorHeader)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		apperrors.Respond(w, r, http.StatusServiceUnavailable, apperrors.CodeInternal, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.version)
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := corpusstore.ListRecordings(r.Context(), s.db)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	views := make([]recordingView, 0, len(recs))
	for i := range recs {
		views = append(views, recordingToView(&recs[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "recordingID")

	rec, err := corpusstore.GetRecording(r.Context(), s.db, id)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	counts, err := corpusstore.CountWindowStatuses(r.Context(), s.db, id)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	view := recordingToView(rec)
	view.WindowStatuses = make(map[string]int64, len(counts))
	for _, c := range counts {
		view.WindowStatuses[string(c.Status)] = c.Count
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListWindows(w http.ResponseWriter, r *http.Request) {
	windows, err := corpusstore.ListWindows(r.Context(), s.db, chi.URLParam(r, "recordingID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	views := make([]windowView, 0, len(windows))
	for i := range windows {
		views = append(views, s.windowToView(&windows[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetWindow(w http.ResponseWriter, r *http.Request) {
	key, ok := windowKey(r)
	if !ok {
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid window index")
		return
	}

	win, err := corpusstore.GetWindow(r.Context(), s.db, key)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	utts, err := corpusstore.ListUtterances(r.Context(), s.db, key)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	uttViews := make([]utteranceView, 0, len(utts))
	for i := range utts {
		uttViews = append(uttViews, utteranceToView(&utts[i]))
	}
	writeJSON(w, http.StatusOK, struct {
		windowView
		Utterances []utteranceView `json:"utterances"`
	}{s.windowToView(win), uttViews})
}

type lockRequest struct {
	TTLSeconds float64 `json:"ttl_seconds"`
}

// lockTTL reads an optional TTL from the request body. An absent or empty
// body means the default TTL.
func lockTTL(r *http.Request) (time.Duration, bool) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return defaultLockTTL, true
		}
		return 0, false
	}
	if req.TTLSeconds < 0 {
		return 0, false
	}
	if req.TTLSeconds == 0 {
		return defaultLockTTL, true
	}
	return time.Duration(req.TTLSeconds * float64(time.Second)), true
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	s.lockOp(w, r, corpusstore.AcquireLock)
}

func (s *Server) handleRefreshLock(w http.ResponseWriter, r *http.Request) {
	s.lockOp(w, r, corpusstore.RefreshLock)
}

type lockFunc func(ctx context.Context, db *sql.DB, key corpusstore.WindowKey, holder string, ttl time.Duration, now time.Time) (*corpusstore.Lock, error)

func (s *Server) lockOp(w http.ResponseWriter, r *http.Request, op lockFunc) {
	key, ok := windowKey(r)
	if !ok {
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid window index")
		return
	}
	holder := editor(r)
	if holder == "" {
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeInvalidRequest, "missing "+EditorHeader+" header")
		return
	}
	ttl, ok := lockTTL(r)
	if !ok {
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid lock TTL")
		return
	}

	lock, err := op(r.Context(), s.db, key, holder, ttl, s.now())
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lockView{Holder: lock.Holder, ExpiresAt: lock.ExpiresAt})
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	key, ok := windowKey(r)
	if !ok {
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid window index")
		return
	}
	holder := editor(r)
	if holder == "" {
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeInvalidRequest, "missing "+EditorHeader+" header")
		return
	}

	if err := corpusstore.ReleaseLock(r.Context(), s.db, key, holder); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

type utteranceUpdateRequest struct {
	Transcript  *string  `json:"transcript"`
	Translation *string  `json:"translation"`
	RelStartSec *float64 `json:"rel_start_seconds"`
	RelEndSec   *float64 `json:"rel_end_seconds"`
	Verified    *bool    `json:"verified"`
	Rejected    *bool    `json:"rejected"`
}

func (s *Server) handleUpdateUtterance(w http.ResponseWriter, r *http.Request) {
	holder := editor(r)
	if holder == "" {
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeInvalidRequest, "missing "+EditorHeader+" header")
		return
	}

	var req utteranceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid request body")
		return
	}

	upd := corpusstore.UtteranceUpdate{
		Transcript:  req.Transcript,
		Translation: req.Translation,
		Verified:    req.Verified,
		Rejected:    req.Rejected,
	}
	if req.RelStartSec != nil {
		d := time.Duration(*req.RelStartSec * float64(time.Second))
		upd.RelStart = &d
	}
	if req.RelEndSec != nil {
		d := time.Duration(*req.RelEndSec * float64(time.Second))
		upd.RelEnd = &d
	}

	utt, err := corpusstore.UpdateUtterance(r.Context(), s.db, chi.URLParam(r, "utteranceID"), holder, upd, s.now())
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, utteranceToView(utt))
}

func (s *Server) handleVerifyAll(w http.ResponseWriter, r *http.Request) {
	key, ok := windowKey(r)
	if !ok {
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid window index")
		return
	}
	holder := editor(r)
	if holder == "" {
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeInvalidRequest, "missing "+EditorHeader+" header")
		return
	}

	n, err := corpusstore.VerifyAllUtterances(r.Context(), s.db, key, holder, s.now())
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"verified": n})
}

type transitionFunc func(ctx context.Context, db *sql.DB, key corpusstore.WindowKey) error

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.transitionOp(w, r, corpusstore.ApproveWindow)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.transitionOp(w, r, corpusstore.RejectWindow)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	s.transitionOp(w, r, corpusstore.RequeueWindow)
}

func (s *Server) transitionOp(w http.ResponseWriter, r *http.Request, op transitionFunc) {
	key, ok := windowKey(r)
	if !ok {
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid window index")
		return
	}

	if err := op(r.Context(), s.db, key); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	win, err := corpusstore.GetWindow(r.Context(), s.db, key)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.windowToView(win))
}

func (s *Server) handleListExportRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := corpusstore.ListExportRuns(r.Context(), s.db, chi.URLParam(r, "recordingID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	views := make([]exportRunView, 0, len(runs))
	for _, run := range runs {
		views = append(views, exportRunView{
			RunID:              run.RunID,
			StartedAt:          run.StartedAt,
			EndedAt:            run.EndedAt,
			Status:             string(run.Status),
			UtterancesExported: run.UtterancesExported,
			ClipsWritten:       run.ClipsWritten,
			ManifestPath:       run.ManifestPath,
		})
	}
	writeJSON(w, http.StatusOK, views)
}
