// Package storage provides the optional database sinks for emitted frame
// records.
//
// Two FrameStore implementations exist: PostgreSQL (pgxpool, COPY-based
// ingestion, embedded migrations, LISTEN/NOTIFY on new frames) and SQLite
// for single-host deployments. A Buffer batches records in front of either.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "kansoku"

// DB is the Postgres FrameStore. Writes go through the pool; LISTEN needs a
// session of its own, so it gets a dedicated connection that never returns
// to a pooler.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

// New connects to Postgres. notifyDSN should bypass any transaction-mode
// pooler; when empty, Listen and WaitForNotification fail and storage
// events are unavailable.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	setApplicationName(poolCfg.ConnConfig)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{pool: pool, logger: logger}
	if notifyDSN == "" {
		return db, nil
	}

	connCfg, err := pgx.ParseConfig(notifyDSN)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: parse notify DSN: %w", err)
	}
	setApplicationName(connCfg)
	if db.notifyConn, err = pgx.ConnectConfig(ctx, connCfg); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: connect notify: %w", err)
	}
	return db, nil
}

// setApplicationName tags sessions in pg_stat_activity unless the DSN
// already names one.
func setApplicationName(cfg *pgx.ConnConfig) {
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	if cfg.RuntimeParams["application_name"] == "" {
		cfg.RuntimeParams["application_name"] = applicationName
	}
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the pool and the notify connection.
func (db *DB) Close(ctx context.Context) error {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
	return nil
}
