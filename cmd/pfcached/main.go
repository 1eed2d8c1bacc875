package main

import (
	"os"

	"github.com/objectfs/pfcache/cmd/pfcached/commands"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		commands.ReportError(err)
		os.Exit(1)
	}
}
