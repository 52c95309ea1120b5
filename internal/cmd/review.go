package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/quillaudio/scriptorium/pkg/corpusstore"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Edit, verify, and resolve transcribed windows",
}

var reviewEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit one utterance (requires holding the window lock)",
	RunE:  runReviewEdit,
}

var reviewVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Mark every non-rejected utterance of a window verified",
	RunE:  runReviewVerify,
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve a reviewed window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReviewTransition(cmd, corpusstore.ApproveWindow, "approved")
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject",
	Short: "Reject a reviewed window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReviewTransition(cmd, corpusstore.RejectWindow, "rejected")
	},
}

var reviewRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Send a window back for transcription, discarding its utterances",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReviewTransition(cmd, corpusstore.RequeueWindow, "requeued")
	},
}

var (
	reviewRecording   string
	reviewWindow      int
	reviewHolder      string
	reviewUtterance   string
	reviewTranscript  string
	reviewTranslation string
	reviewStartSec    float64
	reviewEndSec      float64
	reviewVerified    bool
	reviewRejected    bool
)

func init() {
	rootCmd.AddCommand(reviewCmd)
	reviewCmd.AddCommand(reviewEditCmd, reviewVerifyCmd, reviewApproveCmd, reviewRejectCmd, reviewRequeueCmd)

	reviewCmd.PersistentFlags().StringVarP(&reviewRecording, "recording", "r", "", "Recording ID")
	reviewCmd.PersistentFlags().IntVarP(&reviewWindow, "window", "w", 0, "Window index")
	reviewCmd.PersistentFlags().StringVar(&reviewHolder, "holder", "", "Acting editor ID")

	reviewEditCmd.Flags().StringVarP(&reviewUtterance, "utterance", "u", "", "Utterance ID (required)")
	reviewEditCmd.Flags().StringVar(&reviewTranscript, "transcript", "", "New transcript text")
	reviewEditCmd.Flags().StringVar(&reviewTranslation, "translation", "", "New translation text")
	reviewEditCmd.Flags().Float64Var(&reviewStartSec, "start", 0, "New relative start in seconds")
	reviewEditCmd.Flags().Float64Var(&reviewEndSec, "end", 0, "New relative end in seconds")
	reviewEditCmd.Flags().BoolVar(&reviewVerified, "verified", false, "Set the verified flag")
	reviewEditCmd.Flags().BoolVar(&reviewRejected, "rejected", false, "Set the rejected flag")
	_ = reviewEditCmd.MarkFlagRequired("utterance")
}

func runReviewEdit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if reviewHolder == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing --holder", nil)
	}

	var upd corpusstore.UtteranceUpdate
	flags := cmd.Flags()
	if flags.Changed("transcript") {
		upd.Transcript = &reviewTranscript
	}
	if flags.Changed("translation") {
		upd.Translation = &reviewTranslation
	}
	if flags.Changed("start") {
		d := time.Duration(reviewStartSec * float64(time.Second))
		upd.RelStart = &d
	}
	if flags.Changed("end") {
		d := time.Duration(reviewEndSec * float64(time.Second))
		upd.RelEnd = &d
	}
	if flags.Changed("verified") {
		upd.Verified = &reviewVerified
	}
	if flags.Changed("rejected") {
		upd.Rejected = &reviewRejected
	}

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	utt, err := corpusstore.UpdateUtterance(ctx, db, reviewUtterance, reviewHolder, upd, time.Now())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Edit failed", err)
	}

	fmt.Printf("Updated %s [%.3fs - %.3fs] verified=%t rejected=%t\n",
		utt.UtteranceID, utt.RelStart.Seconds(), utt.RelEnd.Seconds(), utt.Verified, utt.Rejected)
	return nil
}

func runReviewVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if reviewRecording == "" || reviewHolder == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing --recording or --holder", nil)
	}

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	key := corpusstore.WindowKey{RecordingID: reviewRecording, Index: reviewWindow}
	n, err := corpusstore.VerifyAllUtterances(ctx, db, key, reviewHolder, time.Now())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Verify failed", err)
	}

	fmt.Printf("Verified %d utterances on %s\n", n, key)
	return nil
}

func runReviewTransition(cmd *cobra.Command, op func(ctx context.Context, db *sql.DB, key corpusstore.WindowKey) error, verb string) error {
	ctx := cmd.Context()
	if reviewRecording == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing --recording", nil)
	}

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	key := corpusstore.WindowKey{RecordingID: reviewRecording, Index: reviewWindow}
	if err := op(ctx, db, key); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Transition failed", err)
	}

	fmt.Printf("Window %s %s\n", key, verb)
	return nil
}
