package cmd

import (
	"fmt"
	"os"

	"github.com/jmehdipour/jobengine/cmd/worker"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:           "jobengine",
		Short:         "Job scheduling engine CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd())
}
