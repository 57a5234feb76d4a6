package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coverdesk/policy-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "policy-cli",
	Short: "Insurance catalog extraction and consistency pipeline",
	Long:  "Extracts structured policy and product data via Claude, validates and merges it into the catalog, runs consistency checks, and detects duplicate products.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
