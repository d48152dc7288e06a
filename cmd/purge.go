package cmd

import (
	"fmt"
	"time"

	"github.com/jmehdipour/jobengine/internal/app"
	"github.com/spf13/cobra"
)

var purgeOlderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished jobs older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := app.Load(cfgPath)
		if err != nil {
			return err
		}
		a, err := app.New(cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		d := purgeOlderThan
		if d <= 0 {
			d = cfg.Scheduler.Retention
		}
		if d <= 0 {
			return fmt.Errorf("no retention configured; pass --older-than")
		}
		n := a.Scheduler.Purge(cmd.Context(), d)
		fmt.Printf(">> purged %d jobs older than %s\n", n, d)
		return nil
	},
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "override scheduler.retention")
}
