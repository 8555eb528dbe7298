// Command ludo runs a game built from sandboxed plugin modules.
package main

import (
	"fmt"
	"os"

	"github.com/goatkit/ludo/cmd/ludo/commands"
)

// Version information - set during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ludo:", err)
		os.Exit(1)
	}
}
