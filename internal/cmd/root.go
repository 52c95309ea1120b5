// Package cmd wires up the scriptorium command tree.
package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quillaudio/scriptorium/internal/config"
	"github.com/quillaudio/scriptorium/internal/observability"
	"github.com/quillaudio/scriptorium/pkg/corpusstore"
)

var rootCmd = &cobra.Command{
	Use:   "scriptorium",
	Short: "Spoken-corpus pipeline: segment, transcribe, review, export",
	Long: `Scriptorium turns long spoken recordings into a verified training corpus.

Recordings are split into overlapping windows, transcribed through a
rate-limited engine pool, reviewed by human editors under time-boxed locks,
and finally exported as absolute-time utterance clips with a CSV manifest.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

var (
	cfgFile      string
	logLevelFlag string

	// cfg is populated by initRuntime before any subcommand runs.
	cfg *config.Config
)

// versionInfo is stamped at build time through SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override log level (debug|info|warn|error)")
}

func initRuntime(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cmd.Context(), cfgFile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if logLevelFlag != "" {
		c.Logging.Level = logLevelFlag
	}
	if err := observability.Init(c.Logging.Level, c.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}

	cfg = c
	return nil
}

// Execute runs the command tree and exits the process with the command's
// exit code.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	observability.Sync()
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "Error: "+err.Error())

	var coded *codedError
	if errors.As(err, &coded) {
		os.Exit(coded.code)
	}
	os.Exit(1)
}

// codedError carries a process exit code alongside the error chain.
type codedError struct {
	code int
	msg  string
	err  error
}

func (e *codedError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *codedError) Unwrap() error {
	return e.err
}

// exitError logs the failure and returns an error that maps to the given
// exit code.
func exitError(code int, msg string, err error) error {
	observability.CLILogger.Error(msg, zap.Error(err))
	return &codedError{code: code, msg: msg, err: err}
}

// openStore opens the shared store and ensures the schema is current.
func openStore(ctx context.Context) (*sql.DB, error) {
	db, err := corpusstore.Open(ctx, corpusstore.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Cannot open corpus store", err)
	}
	if err := corpusstore.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, exitError(foundry.ExitFileWriteError, "Cannot migrate corpus store", err)
	}
	return db, nil
}
