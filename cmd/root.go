// Package cmd defines and implements the CLI commands for the crawlhub
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlhub",
		Short: "Crawler task orchestration and data ingestion service.",
		Long: `crawlhub schedules and supervises crawl tasks, manages the outbound
proxy pool, and ingests the items crawl processes report back, routing them
to the default store or fanning them out to associated datasources.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (environment variables with the CRAWLHUB prefix also apply)")

	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
