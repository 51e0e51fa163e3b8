package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pledgeproof/verifier-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "verifier-cli",
	Short: "Exercise pledge verification service",
	Long:  "Aggregates activity evidence from independent sources into a confidence-scored verification, runs the challenge window, and delivers outcomes to the settlement bot.",
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
