package db

import (
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
)

// NewClickHouseConnection opens the run-history database, e.g.
// clickhouse://default:@localhost:9000/jobengine?dial_timeout=5s&compress=true
func NewClickHouseConnection(dsn string, opts PoolOpts) (*sqlx.DB, error) {
	chOpts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse ClickHouse DSN: %w", err)
	}
	db := sqlx.NewDb(clickhouse.OpenDB(chOpts), "clickhouse")
	opts.apply(db.DB)

	if err := ping(db, opts.PingTimeout, 3*time.Second); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
