package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/jagc-sh/jagc/cmd.Version=v1.0.0".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "jagc",
	Short: "jagc — local-host agent runtime",
	Long: "jagc runs a single-user agent daemon on localhost: a run store and scheduler,\n" +
		"resumable per-thread agent sessions, scheduled tasks, a Telegram chat gateway\n" +
		"and an HTTP intake on 127.0.0.1:31415.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(telegramCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jagc %s\n", Version)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
