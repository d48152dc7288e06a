package cmd

import (
	"context"
	"fmt"

	"github.com/jmehdipour/jobengine/internal/config"
	"github.com/jmehdipour/jobengine/internal/db"
	"github.com/jmehdipour/jobengine/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

var migrateClickHouse bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the jobs table (and the ClickHouse run history with --clickhouse)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOpts{PingTimeout: cfg.MySQL.PingTimeout})
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()
		if err := apply(ctx, sqlDB, "mysql"); err != nil {
			return err
		}
		fmt.Println(">> MySQL migration complete")

		if !migrateClickHouse {
			return nil
		}
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOpts{PingTimeout: cfg.ClickHouse.PingTimeout})
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer chDB.Close()
		if err := apply(ctx, chDB, "clickhouse"); err != nil {
			return err
		}
		fmt.Println(">> ClickHouse migration complete")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateClickHouse, "clickhouse", false, "also create the ClickHouse job_runs table")
}

func apply(ctx context.Context, dbx *sqlx.DB, dir string) error {
	stmts, err := migrations.Statements(dir)
	if err != nil {
		return fmt.Errorf("read %s migrations: %w", dir, err)
	}
	for i, s := range stmts {
		if _, err := dbx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("exec %s migration #%d: %w", dir, i+1, err)
		}
	}
	return nil
}
