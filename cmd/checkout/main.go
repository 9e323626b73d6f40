package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "checkout",
		Short:         "Run a donation checkout against a donation service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "Donation service base URL")
	rootCmd.PersistentFlags().Int("timeout-ms", 30_000, "Request timeout in milliseconds")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log backend requests")

	rootCmd.AddCommand(donateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(cancelCmd())
	return rootCmd
}
