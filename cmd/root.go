// Package cmd implements the command-line interface for sift.
// It provides the root command and subcommands for running the
// content filtering pipeline.
package cmd

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sifthq/sift/cmd/rules"
	"github.com/sifthq/sift/cmd/scan"
	"github.com/sifthq/sift/cmd/serve"
)

var (
	// cfgFile holds the path to the configuration file.
	cfgFile string

	// debug enables debug logging for all commands.
	debug bool

	// rootCmd represents the root command for the sift CLI.
	rootCmd = &cobra.Command{
		Use:   "sift",
		Short: "A feed content filtering engine",
		Long: `Sift scans a content tree for repeating containers, deduplicates
already-judged items, classifies the rest through a remote classifier,
and reconciles the verdicts into idempotent show/hide state.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	// Load .env early so environment overrides are visible to config.
	_ = godotenv.Load()

	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile,
		"config",
		"",
		"config file (default is ./config.yaml, ./config/config.yaml, or /etc/sift/config.yaml)",
	)
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("sift version %s\n", "1.0.0")
		},
	})

	rootCmd.AddCommand(scan.Command(&cfgFile, &debug))
	rootCmd.AddCommand(serve.Command(&cfgFile, &debug))
	rootCmd.AddCommand(rules.Command(&cfgFile))
}
