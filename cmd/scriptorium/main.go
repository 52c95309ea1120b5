package main

import (
	"github.com/quillaudio/scriptorium/internal/cmd"
)

// Build metadata, overridden via -ldflags at release time.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	cmd.Execute()
}
