package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/jobengine/internal/app"
	"github.com/jmehdipour/jobengine/internal/scheduler"
	"github.com/spf13/cobra"
)

var (
	enqPriority    int
	enqMaxAttempts int
	enqDelay       time.Duration
	enqActor       int64
	enqDiscover    bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <job_type> [payload-json]",
	Short: "Enqueue one job, or every discovered item with --discover",
	Args:  cobra.RangeArgs(1, 2),
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

		var opts []scheduler.EnqueueOption
		if enqPriority != 0 {
			opts = append(opts, scheduler.WithPriority(enqPriority))
		}
		if enqMaxAttempts != 0 {
			opts = append(opts, scheduler.WithMaxAttempts(enqMaxAttempts))
		}
		if enqDelay > 0 {
			opts = append(opts, scheduler.WithDelay(enqDelay))
		}
		opts = append(opts, scheduler.WithCreatedBy(enqActor))

		jobType := args[0]
		if enqDiscover {
			n, err := a.Scheduler.Discover(cmd.Context(), jobType, opts...)
			if err != nil {
				return err
			}
			fmt.Printf(">> discovered and enqueued %d %s jobs\n", n, jobType)
			return nil
		}

		var payload json.RawMessage
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("payload is not valid JSON")
			}
			payload = json.RawMessage(args[1])
		}
		id, err := a.Scheduler.Enqueue(cmd.Context(), jobType, payload, opts...)
		if err != nil {
			return err
		}
		fmt.Printf(">> enqueued %s job id=%d\n", jobType, id)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().IntVar(&enqPriority, "priority", 0, "priority 1-100 (widget default when 0)")
	enqueueCmd.Flags().IntVar(&enqMaxAttempts, "max-attempts", 0, "attempt ceiling (widget default when 0)")
	enqueueCmd.Flags().DurationVar(&enqDelay, "delay", 0, "earliest start, relative to now")
	enqueueCmd.Flags().Int64Var(&enqActor, "actor", 0, "actor id recorded as created_by")
	enqueueCmd.Flags().BoolVar(&enqDiscover, "discover", false, "enqueue the widget's discovered items instead")
}
