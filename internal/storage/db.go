package storage

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/samims/concierge/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// ConnectPostgres opens the sqlx handle used for heartbeats, the rate-limit
// window counter and migrations.
func ConnectPostgres(dbCfg config.DBConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dbCfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(dbCfg.MaxOpenConn)
	db.SetConnMaxIdleTime(dbCfg.ConnMaxIdle)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// NewPool opens the pgx pool backing the transactional ledger.
func NewPool(ctx context.Context, dbCfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if dbCfg.MaxOpenConn > 0 {
		poolCfg.MaxConns = int32(dbCfg.MaxOpenConn)
	}
	if dbCfg.ConnMaxIdle > 0 {
		poolCfg.MaxConnIdleTime = dbCfg.ConnMaxIdle
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

var (
	migrateOnce sync.Once
	migrateErr  error
)

// Migrate applies the embedded schema once per process. Every statement is
// idempotent so concurrent processes may race on it safely.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	migrateOnce.Do(func() {
		if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
			migrateErr = fmt.Errorf("apply schema: %w", err)
		}
	})
	return migrateErr
}
