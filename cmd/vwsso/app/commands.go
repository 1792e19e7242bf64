// Package app provides the entry point for the vwsso command-line application.
package app

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "vwsso",
	DisableAutoGenTag: true,
	Short:             "vwsso federates Bitwarden-compatible logins to an OIDC provider",
	Long: `vwsso is the SSO subsystem of a Bitwarden-compatible server. It brokers
logins to a configured OpenID Connect provider, links provider identities
to local accounts, and issues session tokens shaped like native ones so
clients work unchanged.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		_ = cmd.Help()
	},
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")

	rootCmd.AddCommand(serveCmd)

	return rootCmd
}
