// Command livegate runs the realtime session gateway.
package main

import (
	"fmt"
	"os"
)

// Build information injected via ldflags at build time.
var (
	commit = "none"
	date   = "unknown"
)

func main() {
	setVersion(fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
