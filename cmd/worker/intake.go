package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/jobengine/internal/app"
	"github.com/jmehdipour/jobengine/internal/intake"
	"github.com/jmehdipour/jobengine/internal/kafka"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var intakeCmd = &cobra.Command{
	Use:   "intake",
	Short: "Consume enqueue requests from Kafka",
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

		groupID := cfg.Kafka.GroupID
		if groupID == "" {
			groupID = "jobengine-intake"
		}
		consumer := kafka.NewConsumerFromConfig(kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.IntakeTopic,
			GroupID:        groupID,
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
			Log:            log.Named("kafka"),
		})
		defer consumer.Close()

		in := intake.New(consumer, a.Scheduler, log.Named("intake"))

		// graceful shutdown
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info(">> intake started", zap.String("topic", cfg.Kafka.IntakeTopic), zap.String("group", groupID))
		return in.Run(ctx)
	},
}
