package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath = "./config.yaml"
	verbosity  = ""

	rootCmd = &cobra.Command{
		Use:   "silius",
		Short: "ERC-4337 bundler",
		Long: `silius is an ERC-4337 bundler node: it maintains a user operation
mempool, validates operations against the entry point, and submits
bundles on-chain.`,
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&verbosity, "verbosity", "v", "", "Log level override (debug|info|warn|error)")
}
