package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// UserRepo persists user accounts in PostgreSQL.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// Create inserts a new user and returns its id.
func (r *UserRepo) Create(ctx domain.Context, u domain.User) (string, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Create")
	defer span.End()
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO users (id, username, email, password_hash, role, is_active, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := querier(ctx, r.Pool).Exec(ctx, q, id, u.Username, u.Email, u.PasswordHash, u.Role, u.IsActive, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=user.create: username or email taken: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=user.create: %w", err)
	}
	return id, nil
}

// Get loads a user by id.
func (r *UserRepo) Get(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	return r.getBy(ctx, "op=user.get", `WHERE id=$1`, id)
}

// GetByUsername loads a user by username.
func (r *UserRepo) GetByUsername(ctx domain.Context, username string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.GetByUsername")
	defer span.End()
	return r.getBy(ctx, "op=user.get_by_username", `WHERE username=$1`, username)
}

func (r *UserRepo) getBy(ctx domain.Context, op, where string, arg any) (domain.User, error) {
	q := `SELECT id, username, email, password_hash, role, is_active, created_at, updated_at FROM users ` + where
	row := querier(ctx, r.Pool).QueryRow(ctx, q, arg)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// Count returns the number of user rows. Used by the admin seed to decide
// whether a first admin account must be created.
func (r *UserRepo) Count(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Count")
	defer span.End()
	var n int64
	if err := querier(ctx, r.Pool).QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=user.count: %w", err)
	}
	return n, nil
}
