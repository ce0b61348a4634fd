// Package main is the relay command: a multi-channel AI assistant runtime.
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Validate a configuration file without starting anything:
//
//	relay check --config relay.yaml
//
// API keys are usually injected via ${ENV} references in the config file,
// e.g. api_key: ${OPENAI_API_KEY}.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Populated by ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Relay multi-channel AI assistant",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildCheckCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}
