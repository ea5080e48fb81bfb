// Package postgres provides the PostgreSQL persistence adapter.
//
// Repositories operate on value snapshots of the domain entities. Platform
// scoped repositories (posts, images, runs) resolve the active platform
// connection from the platform context and refuse to run without one, so a
// query can never cross connection boundaries.
package postgres

import (
	"context"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is the minimal pool surface used by the repositories. Satisfied by
// *pgxpool.Pool and by test fakes.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PoolSettings bounds the connection pool the session scope runs on: how many
// sessions may exist at once, how long an idle one lingers, and the absolute
// lifetime after which a connection is recycled. Zero values fall back to the
// defaults.
type PoolSettings struct {
	MaxConns    int32
	IdleTimeout time.Duration
	MaxLifetime time.Duration
}

// NewPool creates a pgx connection pool from the provided DSN. Queries are
// traced via otelpgx.
func NewPool(ctx context.Context, dsn string, s PoolSettings) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if s.MaxConns <= 0 {
		s.MaxConns = 10
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = 5 * time.Minute
	}
	if s.MaxLifetime <= 0 {
		s.MaxLifetime = time.Hour
	}
	cfg.MaxConns = s.MaxConns
	cfg.MaxConnIdleTime = s.IdleTimeout
	cfg.MaxConnLifetime = s.MaxLifetime
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}
