package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pledgeproof/verifier-cli/internal/queue"
)

func newWorker(env *serviceEnv) *queue.Worker {
	return queue.NewWorker(env.Queue, env.Transport, workerConfig(cfg.Queue))
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the notification delivery worker without the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		zap.L().Info("starting delivery worker",
			zap.String("driver", cfg.Queue.Driver),
			zap.Int("batch_size", cfg.Queue.BatchSize),
		)
		newWorker(env).Run(ctx)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
