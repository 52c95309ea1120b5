package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quillaudio/scriptorium/internal/observability"
	"github.com/quillaudio/scriptorium/pkg/corpusstore"
	"github.com/quillaudio/scriptorium/pkg/manifest"
	"github.com/quillaudio/scriptorium/pkg/match"
	"github.com/quillaudio/scriptorium/pkg/media"
	"github.com/quillaudio/scriptorium/pkg/segment"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest recordings from a job manifest",
	Long: `Ingest recordings as defined in a YAML or JSON job manifest.

The manifest names a source directory, optional include/exclude patterns,
and the windowing parameters. Each matched audio file is probed for
duration, split into overlapping windows, and sliced into per-window chunk
audio. Re-running the same manifest is safe: existing recordings and
windows are left untouched.

Example:
  scriptorium ingest --job ingest.yaml
  scriptorium ingest --job ingest.yaml --dry-run`,
	RunE: runIngest,
}

var (
	ingestJobPath string
	ingestDryRun  bool
)

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVarP(&ingestJobPath, "job", "j", "", "Path to job manifest (required)")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "List matched files and window plans without writing")

	_ = ingestCmd.MarkFlagRequired("job")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(ingestJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	stride, err := m.StrideDuration()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	overlap, err := m.OverlapDuration()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	matcher, err := match.New(match.Config{
		Includes:      m.Source.Includes,
		Excludes:      m.Source.Excludes,
		IncludeHidden: m.Source.IncludeHidden,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid match patterns", err)
	}

	files, err := matcher.FindFiles(os.DirFS(m.Source.Root))
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot scan source directory", err)
	}
	if len(files) == 0 {
		return exitError(foundry.ExitFileNotFound, "No recordings matched the manifest patterns", nil)
	}

	chunkDir := m.Clips.Directory
	if chunkDir == "" {
		chunkDir = cfg.Ingest.ChunkDir
	}
	ffmpeg := media.NewFFmpeg(cfg.Ingest.FFmpegCmd, cfg.Ingest.FFprobeCmd)

	var db *sql.DB
	if !ingestDryRun {
		db, err = openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
	}

	for _, rel := range files {
		src := filepath.Join(m.Source.Root, filepath.FromSlash(rel))
		recordingID := recordingIDFromPath(rel)

		duration, err := ffmpeg.Duration(ctx, src)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Cannot probe "+src, err)
		}

		plan, err := segment.Plan(segment.Params{Total: duration, Stride: stride, Overlap: overlap})
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot plan windows for "+src, err)
		}

		if ingestDryRun {
			fmt.Printf("%s  (%s, %d windows)\n", recordingID, duration.Round(time.Millisecond), len(plan))
			continue
		}

		if err := ingestRecording(ctx, db, ffmpeg, recordingID, src, duration, stride, overlap, chunkDir, plan); err != nil {
			return err
		}
	}

	if !ingestDryRun {
		observability.CLILogger.Info("ingest complete", zap.Int("recordings", len(files)))
	}
	return nil
}

func ingestRecording(ctx context.Context, db *sql.DB, cutter media.Cutter, recordingID, src string, duration, stride, overlap time.Duration, chunkDir string, plan []segment.Window) error {
	err := corpusstore.UpsertRecording(ctx, db, corpusstore.Recording{
		RecordingID: recordingID,
		SourcePath:  src,
		Duration:    duration,
		Stride:      stride,
		Overlap:     overlap,
	})
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot register recording "+recordingID, err)
	}

	created := 0
	for _, w := range plan {
		chunkPath := filepath.Join(chunkDir, recordingID, fmt.Sprintf("%d.wav", w.Index))

		isNew, err := corpusstore.InsertWindow(ctx, db, corpusstore.Window{
			RecordingID: recordingID,
			Index:       w.Index,
			StrideStart: w.Start,
			Length:      w.Length,
			AudioPath:   chunkPath,
		})
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Cannot register window", err)
		}
		if !isNew {
			continue
		}

		if err := cutter.Cut(ctx, src, chunkPath, w.Start, w.Length); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Cannot slice window audio", err)
		}
		created++
	}

	observability.CLILogger.Info("ingested recording",
		zap.String("recording_id", recordingID),
		zap.Duration("duration", duration),
		zap.Int("windows", len(plan)),
		zap.Int("new_windows", created))
	return nil
}

// recordingIDFromPath derives a stable recording ID from the
// manifest-relative path so re-ingestion maps to the same rows.
func recordingIDFromPath(rel string) string {
	id := strings.TrimSuffix(rel, path.Ext(rel))
	id = strings.ReplaceAll(id, "/", "__")
	return strings.ReplaceAll(id, " ", "_")
}
