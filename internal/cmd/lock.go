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

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manage editing locks on windows",
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Acquire or extend an editing lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLockOp(cmd, corpusstore.AcquireLock, "acquired")
	},
}

var lockRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh a held editing lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLockOp(cmd, corpusstore.RefreshLock, "refreshed")
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release a held editing lock",
	RunE:  runLockRelease,
}

var (
	lockRecording string
	lockWindow    int
	lockHolder    string
	lockTTL       time.Duration
)

func init() {
	rootCmd.AddCommand(lockCmd)
	lockCmd.AddCommand(lockAcquireCmd, lockRefreshCmd, lockReleaseCmd)

	lockCmd.PersistentFlags().StringVarP(&lockRecording, "recording", "r", "", "Recording ID (required)")
	lockCmd.PersistentFlags().IntVarP(&lockWindow, "window", "w", 0, "Window index")
	lockCmd.PersistentFlags().StringVar(&lockHolder, "holder", "", "Acting editor ID (required)")
	lockCmd.PersistentFlags().DurationVar(&lockTTL, "ttl", 30*time.Minute, "Lock duration")

	_ = lockCmd.MarkPersistentFlagRequired("recording")
	_ = lockCmd.MarkPersistentFlagRequired("holder")
}

type lockOpFunc = func(ctx context.Context, db *sql.DB, key corpusstore.WindowKey, holder string, ttl time.Duration, now time.Time) (*corpusstore.Lock, error)

func runLockOp(cmd *cobra.Command, op lockOpFunc, verb string) error {
	ctx := cmd.Context()

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	key := corpusstore.WindowKey{RecordingID: lockRecording, Index: lockWindow}
	lock, err := op(ctx, db, key, lockHolder, lockTTL, time.Now())
	if err != nil {
		if corpusstore.IsLockConflict(err) {
			return exitError(foundry.ExitInvalidArgument, "Window is locked by another editor", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Lock operation failed", err)
	}

	fmt.Printf("Lock %s on %s by %s, expires %s\n",
		verb, key, lock.Holder, lock.ExpiresAt.Local().Format(time.RFC3339))
	return nil
}

func runLockRelease(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	key := corpusstore.WindowKey{RecordingID: lockRecording, Index: lockWindow}
	if err := corpusstore.ReleaseLock(ctx, db, key, lockHolder); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Release failed", err)
	}

	fmt.Printf("Lock released on %s\n", key)
	return nil
}
