package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pledgeproof/verifier-cli/internal/aggregate"
)

var (
	verifyAccount  string
	verifyExercise string
	verifyRequired uint64
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run a one-shot verification against the configured evidence sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := initRegistry()
		if err != nil {
			return err
		}
		agg := aggregate.New(registry, time.Duration(cfg.Verifier.TimeoutSecs)*time.Second)

		result, err := agg.Aggregate(cmd.Context(), verifyAccount, verifyExercise, verifyRequired)
		if err != nil {
			return err
		}

		zap.L().Info("verification complete",
			zap.String("account", verifyAccount),
			zap.String("exercise_type", verifyExercise),
			zap.Float64("confidence", result.Confidence),
			zap.Uint64("verified_amount", result.VerifiedAmount),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyAccount, "account", "", "account to verify (required)")
	verifyCmd.Flags().StringVar(&verifyExercise, "exercise-type", defaultExerciseType, "exercise type to verify")
	verifyCmd.Flags().Uint64Var(&verifyRequired, "required-amount", defaultRequiredAmount, "pledged amount")
	verifyCmd.MarkFlagRequired("account")
	rootCmd.AddCommand(verifyCmd)
}
