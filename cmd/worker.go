package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/discovery-cli/internal/durable"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Temporal worker that drives discovery runs",
	Long:  "Polls the configured Temporal task queue and executes run workflows. Each workflow steps its run through the shared run store one stage at a time.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		tc, err := durable.Dial(temporalConfig())
		if err != nil {
			return err
		}
		defer tc.Close()

		w := durable.NewWorker(tc, cfg.Temporal.TaskQueue, durable.NewActivities(env.Orch, 0))

		zap.L().Info("starting temporal worker",
			zap.String("host_port", cfg.Temporal.HostPort),
			zap.String("namespace", cfg.Temporal.Namespace),
			zap.String("task_queue", cfg.Temporal.TaskQueue),
		)
		stopCh := make(chan interface{})
		go func() {
			<-ctx.Done()
			zap.L().Info("stopping temporal worker")
			close(stopCh)
		}()
		if err := w.Run(stopCh); err != nil {
			return eris.Wrap(err, "worker run")
		}
		return nil
	},
}

func temporalConfig() durable.Config {
	return durable.Config{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		TaskQueue: cfg.Temporal.TaskQueue,
	}
}

// runInputTemplate sizes run workflows from the pipeline settings.
func runInputTemplate() durable.RunInput {
	return durable.RunInput{
		PollInterval: time.Duration(cfg.Pipeline.PollIntervalMs) * time.Millisecond,
		StageTimeout: time.Duration(cfg.Pipeline.LeaseSecs) * time.Second,
	}
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
