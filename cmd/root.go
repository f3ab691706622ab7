package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the inboxrank application
var rootCmd = &cobra.Command{
	Use:   "inboxrank",
	Short: "Signs in to Gmail accounts and ranks their recent mail",
	Long: `inboxrank keeps OAuth credentials for one or more Google accounts and
ranks the newest messages of an inbox by priority, category and risk.

It can run as:
  - An HTTP gateway with a browser sign-in flow (serve)
  - An MCP (Model Context Protocol) server for AI assistants (serve --transport stdio)
  - A one-shot CLI (login, rank)`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "inboxrank version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newRankCmd())
	rootCmd.AddCommand(newGenerateDocsCmd())
	rootCmd.AddCommand(newGenerateKeyCmd())
	rootCmd.AddCommand(newVersionCmd())
}
