package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/quillaudio/scriptorium/internal/observability"
	"github.com/quillaudio/scriptorium/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the editor HTTP API",
	Long: `Run the HTTP API used by editor sessions: window and utterance
listings, lock acquire/refresh/release, utterance edits, and review
transitions. The server runs until interrupted and shuts down gracefully.

Example:
  scriptorium serve --config scriptorium.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	version := server.VersionInfo{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
	}
	srv := server.New(db, cfg.Server.Host, cfg.Server.Port, version, observability.ServerLogger)

	err = srv.Start(ctx,
		cfg.Server.ReadTimeout,
		cfg.Server.WriteTimeout,
		cfg.Server.IdleTimeout,
		cfg.Server.ShutdownTimeout)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}
