package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// PoolOpts are the database/sql pool knobs shared by every connection.
type PoolOpts struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

func (o PoolOpts) apply(db *sql.DB) {
	if o.MaxOpenConns > 0 {
		db.SetMaxOpenConns(o.MaxOpenConns)
	}
	if o.MaxIdleConns > 0 {
		db.SetMaxIdleConns(o.MaxIdleConns)
	}
	if o.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(o.ConnMaxLifetime)
	}
	if o.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(o.ConnMaxIdleTime)
	}
}

func ping(db *sqlx.DB, timeout, def time.Duration) error {
	if timeout <= 0 {
		timeout = def
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return db.PingContext(ctx)
}

// NormalizeMySQLDSN forces the settings the job store relies on: DATETIME
// columns scanned into time.Time, in UTC.
func NormalizeMySQLDSN(dsn string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("empty MySQL DSN")
	}
	c, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse MySQL DSN: %w", err)
	}
	c.ParseTime = true
	c.Loc = time.UTC
	return c.FormatDSN(), nil
}

// NewMySQLConnection opens a *sqlx.DB with sensible pool/timeouts.
func NewMySQLConnection(dsn string, opts PoolOpts) (*sqlx.DB, error) {
	dsn, err := NormalizeMySQLDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	opts.apply(db.DB)

	if err := ping(db, opts.PingTimeout, 5*time.Second); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
