package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/customs-cli/internal/workflows"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run submissions dispatched through Temporal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initSubmitEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		tc, err := dialTemporal()
		if err != nil {
			return err
		}
		defer tc.Close()

		concurrency := workerConcurrency
		if concurrency == 0 {
			concurrency = cfg.Batch.MaxConcurrent
		}

		w := worker.New(tc, cfg.Temporal.TaskQueue, worker.Options{
			MaxConcurrentActivityExecutionSize: concurrency,
		})
		workflows.Register(w, &workflows.Activities{Runner: env.Orchestrator})

		zap.L().Info("starting worker",
			zap.String("task_queue", cfg.Temporal.TaskQueue),
			zap.Int("concurrency", concurrency),
		)
		if err := w.Run(worker.InterruptCh()); err != nil {
			return eris.Wrap(err, "worker run")
		}
		return nil
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "max concurrent submissions (default batch.max_concurrent)")
	rootCmd.AddCommand(workerCmd)
}
