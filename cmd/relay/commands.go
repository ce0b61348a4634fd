package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/config"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		console    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant runtime",
		Long: `Start the assistant runtime: channels, message bus, agent executor,
LLM gateway, memory store, and maintenance jobs. Shuts down gracefully on
SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, console)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to the YAML configuration file")
	cmd.Flags().BoolVar(&console, "console", true, "attach an interactive console channel on stdin/stdout")
	return cmd
}

func buildCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("ok: %d provider(s), default %q\n", len(cfg.Providers), cfg.DefaultProviderName())
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to the YAML configuration file")
	return cmd
}
