package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type sessionKey struct{}

// WithSession runs fn inside one transaction bound to the context. Every
// repository call made with the derived context shares that transaction; the
// commit happens on nil return, rollback otherwise, and the transaction is
// released on every exit path. Nested calls reuse the existing binding.
func WithSession(ctx context.Context, pool PgxPool, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=postgres.WithSession: begin: %w", err)
	}

	if err := fn(context.WithValue(ctx, sessionKey{}, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("op=postgres.WithSession: commit: %w", err)
	}
	return nil
}

// txFrom returns the transaction bound to ctx, if any.
func txFrom(ctx context.Context) pgx.Tx {
	if ctx == nil {
		return nil
	}
	if tx, ok := ctx.Value(sessionKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// querier resolves the bound transaction when present, falling back to the
// pool. All repository SQL goes through this so session scoping is uniform.
func querier(ctx context.Context, pool PgxPool) PgxPool {
	if tx := txFrom(ctx); tx != nil {
		return txQuerier{tx}
	}
	return pool
}

// txQuerier adapts pgx.Tx to the PgxPool surface repositories use.
type txQuerier struct{ tx pgx.Tx }

func (q txQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return q.tx.Exec(ctx, sql, args...)
}

func (q txQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return q.tx.QueryRow(ctx, sql, args...)
}

func (q txQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return q.tx.Query(ctx, sql, args...)
}

// BeginTx hands back the current transaction; nested transactions are not
// used by this adapter.
func (q txQuerier) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	return q.tx, nil
}
