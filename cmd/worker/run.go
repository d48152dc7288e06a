package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/jobengine/internal/app"
	"github.com/jmehdipour/jobengine/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runWorkers int
	runNoPurge bool
)

var runCmd = &cobra.Command{
	Use:   "run <job_type>",
	Short: "Poll and execute jobs of one type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
		cfg, log, err := app.Load(cfgPath)
		if err != nil {
			return err
		}
		a, err := app.New(cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		r := worker.NewRunner(a.Scheduler, args[0], log.Named("runner"))
		r.Workers = cfg.Scheduler.Workers
		if runWorkers > 0 {
			r.Workers = runWorkers
		}
		r.BatchSize = cfg.Scheduler.BatchSize
		r.PollInterval = cfg.Scheduler.PollInterval
		r.MaxIdle = cfg.Scheduler.MaxIdle

		// graceful shutdown
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !runNoPurge {
			j := &worker.Janitor{
				Purger:    a.Scheduler,
				Log:       log.Named("janitor"),
				Every:     cfg.Scheduler.RetentionEvery,
				Retention: cfg.Scheduler.Retention,
			}
			go j.Run(ctx)
		}

		log.Info(">> worker started",
			zap.String("job_type", args[0]),
			zap.Int("workers", r.Workers),
			zap.Duration("poll_interval", r.PollInterval))
		return r.Run(ctx)
	},
}

func init() {
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "polling goroutines (scheduler.workers when 0)")
	runCmd.Flags().BoolVar(&runNoPurge, "no-purge", false, "do not run the retention loop in this process")
}
