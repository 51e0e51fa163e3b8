package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the notification queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print notification queue depth by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Queue.Stats(cmd.Context())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue terminally failed notifications for a fresh delivery cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Queue.RetryFailed(cmd.Context())
		if err != nil {
			return err
		}

		zap.L().Info("requeued failed notifications", zap.Int("count", n))
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}
