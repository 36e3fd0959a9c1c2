// Command ragkb is the entry point for the knowledge-base retrieval engine.
// It provides a CLI interface (via Cobra) and an HTTP server exposing the
// retrieval REST API.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/ragkb-go/cmd/ragkb/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
