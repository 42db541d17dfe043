package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dittogw",
		Short: "Event-loop HTTP/1.1 gateway",
		Long: `dittogw is an HTTP/1.1 front end built around a fixed pool of
worker event loops. Each accepted connection is pinned to one worker and
processed by a per-connection pipeline of decoder, aggregator, business
handlers and encoder stages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		startCmd(),
		initCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
