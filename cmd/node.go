package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/silius-go/silius/core/config"
	"github.com/silius-go/silius/node"
	"github.com/silius-go/silius/pkg/logger"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the bundler node",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := config.ReadYaml(configPath)
		if err != nil {
			return err
		}
		cfg, err := raw.Build()
		if err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		level := cfg.Verbosity
		if verbosity != "" {
			level = verbosity
		}
		log, err := logger.New(config.LogLevel(level))
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		n, err := node.New(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		return n.Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(nodeCmd)
}
