package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedfolnir/vedfolnir/internal/adapter/repo/postgres"
	"github.com/vedfolnir/vedfolnir/internal/domain"
)

func TestUserRepo_Create(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewUserRepo(pool)
	ctx := context.Background()

	id, err := repo.Create(ctx, domain.User{
		ID:       "user-1",
		Username: "alice",
		Email:    "alice@example.org",
		Role:     domain.RoleReviewer,
		IsActive: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "user-1", id)
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "INSERT INTO users")
}

func TestUserRepo_Create_GeneratesID(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewUserRepo(pool)

	id, err := repo.Create(context.Background(), domain.User{Username: "bob", Email: "bob@example.org"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestUserRepo_Create_Duplicate(t *testing.T) {
	pool := &fakePool{execErrs: []error{&pgconn.PgError{Code: "23505", ConstraintName: "users_username_key"}}}
	repo := postgres.NewUserRepo(pool)

	_, err := repo.Create(context.Background(), domain.User{Username: "alice", Email: "alice@example.org"})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestUserRepo_Get_NotFound(t *testing.T) {
	pool := &fakePool{rows: []pgx.Row{fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}}}
	repo := postgres.NewUserRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "op=user.get")
}

func TestUserRepo_GetByUsername(t *testing.T) {
	pool := &fakePool{rows: []pgx.Row{fakeRow{scan: scanInto(
		"user-1", "alice", "alice@example.org", "argon2id$hash", domain.RoleAdmin, true,
	)}}}
	repo := postgres.NewUserRepo(pool)

	u, err := repo.GetByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "user-1", u.ID)
	assert.Equal(t, domain.RoleAdmin, u.Role)
	assert.True(t, u.IsActive)
}

func TestUserRepo_Count(t *testing.T) {
	pool := &fakePool{rows: []pgx.Row{fakeRow{scan: scanInto(int64(3))}}}
	repo := postgres.NewUserRepo(pool)

	n, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
