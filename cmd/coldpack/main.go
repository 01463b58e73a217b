// Command coldpack is a deduplicating, encrypted, incremental backup
// tool for UNIX file trees (spec.md overview).
package main

import (
	"fmt"
	"os"

	"github.com/coldpack/coldpack/cmd/coldpack/commands"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version, commands.Commit, commands.Date = version, commit, date
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
