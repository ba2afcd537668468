// Package cmd defines the catalogcrawler CLI commands.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "catalogcrawler",
		Short: "Crawls e-commerce sitemaps into a local product catalog.",
		Long: `catalogcrawler discovers product pages from a sitemap, extracts structured
product data and images from each page, and keeps them in an embedded SQLite
catalog that survives restarts.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML)")
	cmd.AddCommand(newCrawlCmd(opts))
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
