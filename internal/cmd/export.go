package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/quillaudio/scriptorium/internal/observability"
	"github.com/quillaudio/scriptorium/pkg/export"
	"github.com/quillaudio/scriptorium/pkg/media"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a recording's approved windows as a corpus",
	Long: `Export the approved windows of a recording into per-utterance audio
clips plus a CSV manifest with absolute timestamps.

Every window of the recording must be approved or rejected first.
Utterances inside the overlap zone of a non-final window are dropped; the
following window owns them. Re-running an export overwrites the previous
output for the same recording.

Example:
  scriptorium export --recording lecture-01
  scriptorium export --recording lecture-01 --dir /srv/corpus`,
	RunE: runExport,
}

var (
	exportRecording string
	exportDir       string
)

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportRecording, "recording", "r", "", "Recording ID (required)")
	exportCmd.Flags().StringVarP(&exportDir, "dir", "d", "", "Export root directory (default from config)")

	_ = exportCmd.MarkFlagRequired("recording")
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	dir := exportDir
	if dir == "" {
		dir = cfg.ExportDir
	}

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	cutter := media.NewFFmpeg(cfg.Ingest.FFmpegCmd, cfg.Ingest.FFprobeCmd)
	exp := export.New(db, cutter, observability.CLILogger)

	sum, err := exp.Run(ctx, exportRecording, dir)
	if err != nil {
		if export.IsNotTerminal(err) {
			return exitError(foundry.ExitInvalidArgument, "Recording is not fully reviewed", err)
		}
		return exitError(foundry.ExitFileWriteError, "Export failed", err)
	}

	fmt.Printf("Exported %d utterances (%d clips, %d discarded at overlaps)\n",
		sum.Utterances, sum.Clips, sum.Discarded)
	fmt.Printf("Manifest: %s\n", sum.ManifestPath)
	return nil
}
