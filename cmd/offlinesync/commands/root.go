// Package commands implements the offlinesync CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/dgduncan/go-offline-sync/internal/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "offlinesync",
	Short: "Offline-first HTTP proxy with a response cache and a request outbox",
	Long: `offlinesync sits between an application and its API. While the network is
down it answers GET requests from a local cache and stores eligible writes in a
durable queue, which is replayed in order once connectivity returns.

Use "offlinesync [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); OFFLINESYNC_* environment variables override it")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}
