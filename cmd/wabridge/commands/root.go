// Package commands implements the wabridge CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wabridge",
		Short: "wabridge - WhatsApp session bridge for internal services",
		Long: `wabridge keeps a linked WhatsApp session alive and exposes its status,
pairing QR code, contacts and outbound send over a small HTTP API.
When the session cannot be started it serves a synthetic contact list instead.

Examples:
  wabridge serve
  wabridge serve --config ./wabridge.yaml
  wabridge status --url http://127.0.0.1:8085`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newVersionCmd(version),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
