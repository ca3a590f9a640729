// Command liveupdater is the main entry point for the CLI binary.
// It dispatches to subcommands like serve, issue, hash-password and history.
package main

import (
	"fmt"
	"os"

	"github.com/Angulorecto/LiveUpdater/internal/cmd/hashpassword"
	"github.com/Angulorecto/LiveUpdater/internal/cmd/history"
	"github.com/Angulorecto/LiveUpdater/internal/cmd/issue"
	"github.com/Angulorecto/LiveUpdater/internal/cmd/serve"
	"github.com/Angulorecto/LiveUpdater/internal/version"
)

// main is the process entry point and forwards to run for testable logic.
func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// run parses argv and invokes the matching subcommand handler.
// It returns an error for missing or unknown subcommands.
func run(argv []string) error {
	if len(argv) < 2 {
		usage()
		return fmt.Errorf("missing subcommand")
	}

	switch argv[1] {
	case "serve":
		return serve.Run(argv[2:])
	case "issue":
		return issue.Run(argv[2:])
	case "hash-password":
		return hashpassword.Run(argv[2:])
	case "history":
		return history.Run(argv[2:])
	case "version", "--version":
		fmt.Println(version.Version)
		return nil
	case "-h", "--help", "help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown subcommand: %s", argv[1])
	}
}

// usage prints the canonical CLI syntax to stderr.
func usage() {
	fmt.Fprintln(os.Stderr, "liveupdater <serve|issue|hash-password|history|version> [flags]")
}
