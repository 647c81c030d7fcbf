package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lyzr/buildqueue/common/config"
	"github.com/lyzr/buildqueue/common/logger"
)

// DB wraps pgxpool with common operations
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
}

// New creates a new database connection pool
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	// Configure connection pool
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("database connected", "host", cfg.Database.Host, "db", cfg.Database.Database)

	return &DB{
		Pool: pool,
		log:  log,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.log.Info("closing database connection pool")
	db.Pool.Close()
}

// Health checks database health
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return db.Pool.Ping(ctx)
}

const (
	txMaxAttempts = 4
	txBaseBackoff = 10 * time.Millisecond
)

// RunInTx executes fn inside a transaction, retrying with bounded exponential
// backoff when Postgres reports a serialization failure or deadlock. The
// transaction either commits atomically or the last error is returned.
func (db *DB) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error

	for attempt := 0; attempt < txMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := txBaseBackoff << (attempt - 1)
			db.log.Debug("retrying transaction", "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = pgx.BeginFunc(ctx, db.Pool, fn)
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("transaction failed after %d attempts: %w", txMaxAttempts, lastErr)
}

// isRetryable reports whether the error is a transient conflict worth retrying:
// serialization_failure (40001) or deadlock_detected (40P01).
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
