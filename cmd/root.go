// Package cmd defines the CLI commands for the noticecrawl executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "noticecrawl",
		Short: "Crawls Minnesota public legal notices into CSV.",
		Long: `noticecrawl drives a remote-controlled browser against the Minnesota
public notice site, works through the anti-bot challenges on each notice,
extracts the parties and sale details, and streams every visited notice to
a durable CSV file.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default reads NOTICECRAWL_* env)")

	cmd.AddCommand(newCrawlCmd())
	return cmd
}

// ExecuteContext is the main entry point. ctx cancellation propagates into
// every command for signal-driven shutdown.
func ExecuteContext(ctx context.Context) {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
