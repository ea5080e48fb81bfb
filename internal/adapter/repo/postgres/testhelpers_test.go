package postgres_test

import (
	"context"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/platformctx"
)

// fakePool is a hand-rolled PgxPool. Exec and QueryRow results are consumed
// from queues in call order; an exhausted queue yields zero values.
type fakePool struct {
	execTags []pgconn.CommandTag
	execErrs []error
	rows     []pgx.Row
	queryRes []pgx.Rows
	queryErr error
	beginErr error

	execSQL  []string
	execArgs [][]any
	querySQL []string
	tx       *fakeTx
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	var tag pgconn.CommandTag
	if len(f.execTags) > 0 {
		tag, f.execTags = f.execTags[0], f.execTags[1:]
	}
	var err error
	if len(f.execErrs) > 0 {
		err, f.execErrs = f.execErrs[0], f.execErrs[1:]
	}
	return tag, err
}

func (f *fakePool) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.querySQL = append(f.querySQL, sql)
	if len(f.rows) == 0 {
		return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
	}
	var row pgx.Row
	row, f.rows = f.rows[0], f.rows[1:]
	return row
}

func (f *fakePool) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	f.querySQL = append(f.querySQL, sql)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryRes) == 0 {
		return &fakeRows{}, nil
	}
	var rows pgx.Rows
	rows, f.queryRes = f.queryRes[0], f.queryRes[1:]
	return rows, nil
}

func (f *fakePool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.tx = &fakeTx{pool: f}
	return f.tx, nil
}

// fakeRow satisfies pgx.Row with a pluggable Scan.
type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// scanInto returns a Scan that assigns values positionally into the targets.
func scanInto(values ...any) func(dest ...any) error {
	return func(dest ...any) error {
		for i, d := range dest {
			if i >= len(values) || values[i] == nil {
				continue
			}
			reflect.ValueOf(d).Elem().Set(reflect.ValueOf(values[i]))
		}
		return nil
	}
}

// fakeRows satisfies pgx.Rows, yielding one row per entry in vals.
type fakeRows struct {
	vals [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.vals) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error {
	return scanInto(r.vals[r.idx-1]...)(dest...)
}
func (r *fakeRows) Values() ([]any, error) { return nil, nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

// fakeTx satisfies pgx.Tx, delegating query traffic to the owning pool so a
// test configures one queue regardless of session scoping.
type fakeTx struct {
	pool      *fakePool
	commits   int
	rollbacks int
	commitErr error
}

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(context.Context) error {
	t.commits++
	return t.commitErr
}
func (t *fakeTx) Rollback(context.Context) error {
	t.rollbacks++
	return nil
}
func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.pool.Exec(ctx, sql, args...)
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.pool.Query(ctx, sql, args...)
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.pool.QueryRow(ctx, sql, args...)
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

func tagRows(n string) pgconn.CommandTag { return pgconn.NewCommandTag("UPDATE " + n) }

func uniqueErr(constraint string) *pgconn.PgError {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint}
}

// boundCtx returns a context carrying a bound platform connection.
func boundCtx() context.Context {
	return platformctx.Bind(context.Background(), platformctx.Context{
		UserID:       "user-1",
		ConnectionID: "conn-1",
		PlatformType: domain.PlatformMastodon,
		InstanceURL:  "https://mastodon.example",
	})
}
