package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor bool
	apiKey  string
)

var rootCmd = &cobra.Command{
	Use:           "recon",
	Short:         "Cached, budgeted technology comparisons and repository analyses",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor || os.Getenv("NO_COLOR") != "" {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for client commands (default: $RECON_API_KEY)")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(compareCmd, analyzeCmd, searchCmd, budgetCmd, profileCmd)
	rootCmd.AddCommand(sweepCmd, usersCmd, keysCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
