package cmd

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/quillaudio/scriptorium/pkg/corpusstore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline status per recording",
	RunE:  runStatus,
}

var statusRecording string

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusRecording, "recording", "r", "", "Limit to one recording, with per-window detail")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if statusRecording != "" {
		return showRecordingDetail(cmd, db, statusRecording)
	}

	recs, err := corpusstore.ListRecordings(ctx, db)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot list recordings", err)
	}
	if len(recs) == 0 {
		fmt.Println("No recordings ingested.")
		return nil
	}

	for _, rec := range recs {
		counts, err := corpusstore.CountWindowStatuses(ctx, db, rec.RecordingID)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Cannot count window statuses", err)
		}

		exported := ""
		if rec.ExportedAt != nil {
			exported = "  exported " + rec.ExportedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Printf("%s  (%s)%s\n", rec.RecordingID, rec.Duration.Round(time.Second), exported)
		for _, c := range counts {
			fmt.Printf("  %-13s %d\n", c.Status, c.Count)
		}
	}
	return nil
}

func showRecordingDetail(cmd *cobra.Command, db *sql.DB, recordingID string) error {
	ctx := cmd.Context()

	rec, err := corpusstore.GetRecording(ctx, db, recordingID)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown recording", err)
	}
	windows, err := corpusstore.ListWindows(ctx, db, recordingID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot list windows", err)
	}

	fmt.Printf("%s  duration=%s stride=%s overlap=%s\n",
		rec.RecordingID, rec.Duration.Round(time.Second), rec.Stride, rec.Overlap)

	now := time.Now()
	for i := range windows {
		w := &windows[i]
		line := fmt.Sprintf("  window %-3d [%7.1fs +%6.1fs]  %-12s", w.Index,
			w.StrideStart.Seconds(), w.Length.Seconds(), w.EffectiveStatus(now))
		if w.Lock != nil && !w.Lock.Expired(now) {
			line += fmt.Sprintf("  locked by %s until %s", w.Lock.Holder,
				w.Lock.ExpiresAt.Local().Format("15:04:05"))
		}
		if w.FailureCount > 0 {
			line += fmt.Sprintf("  failures=%d last_error=%q", w.FailureCount, w.LastError)
		}
		fmt.Println(line)
	}
	return nil
}
