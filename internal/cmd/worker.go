package cmd

import (
	"context"
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/quillaudio/scriptorium/internal/observability"
	"github.com/quillaudio/scriptorium/pkg/enginepool"
	"github.com/quillaudio/scriptorium/pkg/transcribe"
	"github.com/quillaudio/scriptorium/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the transcription worker",
	Long: `Run the background worker that claims pending windows, transcribes
them through the configured engine pool, and stores the resulting
utterances for review.

The engine pool is declared in the config file under engines.variants, in
preference order. The worker runs until interrupted; windows in flight at
shutdown are returned to the queue.

Example:
  scriptorium worker --config scriptorium.yaml`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	pool, err := enginepool.New(cfg.Engines)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid engine pool configuration", err)
	}
	engine, err := transcribe.NewWhisperEngine(cfg.Whisper)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid transcriber configuration", err)
	}

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	w := worker.New(db, pool, engine, observability.ServerLogger, cfg.Worker)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Worker stopped", err)
	}
	return nil
}
