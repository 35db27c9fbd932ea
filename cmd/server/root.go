package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "quran-assistant",
	Short: "Conversational assistant for studying the Quran",
	Long: `quran-assistant answers questions about the Quran with passages gathered
from an external search service and a local copy of the text.

Run without a subcommand to start the HTTP server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, ingestCmd, askCmd)
}
