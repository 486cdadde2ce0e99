package cmd

import (
	"context"
	"fmt"
	"strings"
)

const usage = `ccpool is an Anthropic-compatible proxy over a pooled OpenAI upstream.

Usage:
  ccpool serve [flags]
  ccpool check-keys [flags]

Commands:
  serve       Start the HTTP server
  check-keys  Probe every configured credential and print a report

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "check-keys":
		return checkKeys(ctx, args[1:])
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}
