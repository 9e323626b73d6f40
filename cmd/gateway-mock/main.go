package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gateway-mock",
		Short: "Local stand-ins for the PayPal and ePayco gateways",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(confirmCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
