// Package observability provides the shared zap loggers used across the CLI
// and the HTTP server.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger for command-line entry points. It writes
// human-readable output to stderr so command results on stdout stay clean.
var CLILogger = zap.NewNop()

// ServerLogger is the logger for the HTTP server and background worker.
// It writes structured JSON suitable for log aggregation.
var ServerLogger = zap.NewNop()

// Init builds both loggers at the requested level. Profile selects the
// encoding: "STRUCTURED" emits JSON on both loggers, anything else keeps
// console encoding for the CLI.
func Init(level, profile string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	serverCfg := zap.NewProductionConfig()
	serverCfg.Level = zap.NewAtomicLevelAt(lvl)
	serverCfg.OutputPaths = []string{"stderr"}
	server, err := serverCfg.Build()
	if err != nil {
		return fmt.Errorf("build server logger: %w", err)
	}

	cliCfg := serverCfg
	if profile != "STRUCTURED" {
		cliCfg = zap.NewDevelopmentConfig()
		cliCfg.Level = zap.NewAtomicLevelAt(lvl)
		cliCfg.OutputPaths = []string{"stderr"}
	}
	cli, err := cliCfg.Build()
	if err != nil {
		return fmt.Errorf("build cli logger: %w", err)
	}

	ServerLogger = server
	CLILogger = cli
	return nil
}

// Sync flushes both loggers. Flush errors on closed stderr are ignored.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}
