// Package export assembles the final training corpus from a recording's
// approved windows.
//
// Adjacent windows overlap, so the exporter applies an ownership rule to
// keep the output free of duplicates: a non-final window owns only the
// half-open range [stride_start, stride_start+stride), and any utterance
// starting at or past the stride boundary is dropped because the next
// window carries the same speech near its own start. The final window owns
// everything up to its end. Retained utterances are shifted from
// window-relative to absolute recording time, each gets its own audio clip
// sliced from the window's chunk file, and one manifest row is emitted per
// clip.
package export

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/quillaudio/scriptorium/pkg/corpusstore"
	"github.com/quillaudio/scriptorium/pkg/media"
)

// ErrWindowsNotTerminal indicates a window of the recording is still
// pending, processing, or awaiting review. Exporting a partially reviewed
// recording would silently lose utterances discarded at overlap boundaries,
// so every window must be approved or rejected first.
var ErrWindowsNotTerminal = errors.New("recording has windows not yet approved or rejected")

// ErrNoWindows indicates the recording has no windows to export.
var ErrNoWindows = errors.New("recording has no windows")

// IsNotTerminal reports whether err indicates windows still in flight.
func IsNotTerminal(err error) bool {
	return errors.Is(err, ErrWindowsNotTerminal)
}

// manifestHeader is the column layout of the manifest CSV.
var manifestHeader = []string{
	"clip_path",
	"transcript",
	"translation",
	"duration_seconds",
	"absolute_start_seconds",
	"absolute_end_seconds",
}

// Summary reports what one export run produced.
type Summary struct {
	RunID        string
	ManifestPath string
	Utterances   int
	Clips        int
	Discarded    int
}

// Exporter writes the per-recording corpus: one CSV manifest plus one audio
// clip per exported utterance, under an export root separate from the chunk
// audio.
type Exporter struct {
	db     *sql.DB
	cutter media.Cutter
	log    *zap.Logger
	now    func() time.Time
}

// New builds an exporter. A nil logger is replaced with a no-op logger.
func New(db *sql.DB, cutter media.Cutter, log *zap.Logger) *Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exporter{
		db:     db,
		cutter: cutter,
		log:    log,
		now:    time.Now,
	}
}

// WithNow overrides the clock. Intended for tests.
func (e *Exporter) WithNow(now func() time.Time) *Exporter {
	e.now = now
	return e
}

// Run exports one recording into dir and records an export run for it.
//
// Run is safe to repeat: output paths are deterministic functions of
// (recording_id, window_index, utterance_id), re-cut clips overwrite their
// previous versions, and the manifest is rewritten whole each time. Run
// mutates no window or utterance state; it only stamps the recording's
// exported_at marker on success.
func (e *Exporter) Run(ctx context.Context, recordingID, dir string) (*Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if recordingID == "" {
		return nil, fmt.Errorf("recording ID is required")
	}
	if dir == "" {
		return nil, fmt.Errorf("export directory is required")
	}

	rec, err := corpusstore.GetRecording(ctx, e.db, recordingID)
	if err != nil {
		return nil, err
	}
	windows, err := corpusstore.ListWindows(ctx, e.db, recordingID)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoWindows, recordingID)
	}
	for i := range windows {
		if err := exportable(&windows[i]); err != nil {
			return nil, err
		}
	}

	run, err := corpusstore.CreateExportRun(ctx, e.db, recordingID, e.now())
	if err != nil {
		return nil, err
	}

	sum, err := e.writeCorpus(ctx, rec, windows, dir)
	if err != nil {
		finishErr := corpusstore.FinishExportRun(ctx, e.db, run.RunID,
			corpusstore.ExportRunFailed, 0, 0, "", e.now())
		if finishErr != nil {
			e.log.Warn("failed to record export failure",
				zap.String("run_id", run.RunID),
				zap.Error(finishErr))
		}
		return nil, err
	}
	sum.RunID = run.RunID

	if err := corpusstore.FinishExportRun(ctx, e.db, run.RunID,
		corpusstore.ExportRunDone, sum.Utterances, sum.Clips, sum.ManifestPath, e.now()); err != nil {
		return nil, err
	}
	if err := corpusstore.MarkRecordingExported(ctx, e.db, recordingID, e.now()); err != nil {
		return nil, err
	}

	e.log.Info("export complete",
		zap.String("recording_id", recordingID),
		zap.String("run_id", run.RunID),
		zap.Int("utterances", sum.Utterances),
		zap.Int("discarded", sum.Discarded),
		zap.String("manifest", sum.ManifestPath))
	return sum, nil
}

// exportable rejects windows that are not yet terminal.
func exportable(w *corpusstore.Window) error {
	switch w.Status {
	case corpusstore.StatusApproved, corpusstore.StatusRejected:
		return nil
	default:
		return fmt.Errorf("%w: window %s is %s", ErrWindowsNotTerminal, w.Key(), w.Status)
	}
}

// writeCorpus slices clips and writes the manifest for all approved windows.
func (e *Exporter) writeCorpus(ctx context.Context, rec *corpusstore.Recording, windows []corpusstore.Window, dir string) (*Summary, error) {
	root := filepath.Join(dir, rec.RecordingID)
	clipDir := filepath.Join(root, "clips")
	if err := os.MkdirAll(clipDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}

	manifestPath := filepath.Join(root, "manifest.csv")
	f, err := os.Create(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("create manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if err := w.Write(manifestHeader); err != nil {
		return nil, fmt.Errorf("write manifest header: %w", err)
	}

	sum := &Summary{ManifestPath: manifestPath}
	// The last index decides which window keeps its overlap tail, whatever
	// that window's status turned out to be.
	finalIndex := windows[len(windows)-1].Index

	for i := range windows {
		win := &windows[i]
		if win.Status != corpusstore.StatusApproved {
			continue
		}
		utts, err := corpusstore.ListUtterances(ctx, e.db, win.Key())
		if err != nil {
			return nil, err
		}
		for _, u := range utts {
			if u.Rejected || !u.Verified {
				continue
			}
			if win.Index != finalIndex && u.RelStart >= rec.Stride {
				sum.Discarded++
				continue
			}

			clipName := ClipName(rec.RecordingID, win.Index, u.UtteranceID)
			clipPath := filepath.Join(clipDir, clipName)
			if err := e.cutter.Cut(ctx, win.AudioPath, clipPath, u.RelStart, u.RelEnd-u.RelStart); err != nil {
				return nil, fmt.Errorf("cut clip %s: %w", clipName, err)
			}
			sum.Clips++

			absStart := win.StrideStart + u.RelStart
			absEnd := win.StrideStart + u.RelEnd
			row := []string{
				filepath.ToSlash(filepath.Join("clips", clipName)),
				u.Transcript,
				u.Translation,
				csvSeconds(u.RelEnd - u.RelStart),
				csvSeconds(absStart),
				csvSeconds(absEnd),
			}
			if err := w.Write(row); err != nil {
				return nil, fmt.Errorf("write manifest row: %w", err)
			}
			sum.Utterances++
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close manifest: %w", err)
	}
	return sum, nil
}

// ClipName derives the deterministic clip filename for an utterance.
func ClipName(recordingID string, windowIndex int, utteranceID string) string {
	return fmt.Sprintf("%s_%03d_%s.wav", recordingID, windowIndex, utteranceID)
}

// csvSeconds renders a duration as decimal seconds with millisecond
// precision.
func csvSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
