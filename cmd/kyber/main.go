// Package main provides the Kyber CLI: a serve command that runs the
// assistant and a version command.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cyph3rasi/kyber/internal/config"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kyber",
		Short:         "Kyber personal AI assistant",
		Long:          "Kyber is a personal AI assistant reachable over Telegram, Discord, WhatsApp, and a local dashboard.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant",
		Long: `Run the assistant: start the enabled channel adapters, the agent loop,
the outbound dispatcher, and the HTTP control plane. Shuts down gracefully
on SIGINT/SIGTERM.`,
		Example: `  # Run with the default config (~/.kyber/config.json)
  kyber serve

  # Run with a custom config and debug logging
  kyber serve --config /etc/kyber/config.json --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to JSON configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("kyber", version)
		},
	}
}

func defaultConfigPath() string {
	return filepath.Join(config.DefaultDataDir(), "config.json")
}
