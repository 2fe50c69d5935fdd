package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run pipeline workers without the API server",
	Long:  "Polls the search, enrich, and score queues and processes jobs until interrupted. Useful for scaling workers separately from the API server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		zap.L().Info("starting workers",
			zap.Int("search", cfg.Queue.SearchWorkers),
			zap.Int("enrich", cfg.Queue.EnrichWorkers),
			zap.Int("score", cfg.Queue.ScoreWorkers),
		)
		return env.newWorker().Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workCmd)
}
