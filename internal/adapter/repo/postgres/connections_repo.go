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

const connectionColumns = `id, user_id, name, platform_type, instance_url, username,
	COALESCE(access_token,''::bytea), COALESCE(client_key,''::bytea), COALESCE(client_secret,''::bytea),
	is_active, is_default, created_at, updated_at, last_used_at`

// ConnectionRepo persists platform connections. Credential columns hold AEAD
// ciphertext; this repo never sees plaintext tokens.
type ConnectionRepo struct{ Pool PgxPool }

// NewConnectionRepo constructs a ConnectionRepo with the given pool.
func NewConnectionRepo(p PgxPool) *ConnectionRepo { return &ConnectionRepo{Pool: p} }

// Create inserts a new connection and returns its id. When pc.IsDefault is
// set, any previous default for the user is cleared in the same transaction.
func (r *ConnectionRepo) Create(ctx domain.Context, pc domain.PlatformConnection) (string, error) {
	tracer := otel.Tracer("repo.connections")
	ctx, span := tracer.Start(ctx, "connections.Create")
	defer span.End()
	if !domain.ValidPlatformType(pc.PlatformType) {
		return "", fmt.Errorf("op=connection.create: platform_type %q: %w", pc.PlatformType, domain.ErrInvalidArgument)
	}
	id := pc.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	err := WithSession(ctx, r.Pool, func(ctx domain.Context) error {
		if pc.IsDefault {
			if err := r.clearDefault(ctx, pc.UserID); err != nil {
				return err
			}
		}
		q := `INSERT INTO platform_connections
		      (id, user_id, name, platform_type, instance_url, username, access_token, client_key, client_secret,
		       is_active, is_default, created_at, updated_at)
		      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
		_, err := querier(ctx, r.Pool).Exec(ctx, q, id, pc.UserID, pc.Name, pc.PlatformType, pc.InstanceURL,
			pc.Username, pc.AccessToken, pc.ClientKey, pc.ClientSecret, pc.IsActive, pc.IsDefault, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("op=connection.create: duplicate name or account: %w", domain.ErrConflict)
			}
			return fmt.Errorf("op=connection.create: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get loads one connection owned by userID.
func (r *ConnectionRepo) Get(ctx domain.Context, userID, id string) (domain.PlatformConnection, error) {
	tracer := otel.Tracer("repo.connections")
	ctx, span := tracer.Start(ctx, "connections.Get")
	defer span.End()
	q := `SELECT ` + connectionColumns + ` FROM platform_connections WHERE id=$1 AND user_id=$2`
	return r.scanOne(ctx, "op=connection.get", q, id, userID)
}

// ListByUser returns all of a user's connections, default first.
func (r *ConnectionRepo) ListByUser(ctx domain.Context, userID string) ([]domain.PlatformConnection, error) {
	tracer := otel.Tracer("repo.connections")
	ctx, span := tracer.Start(ctx, "connections.ListByUser")
	defer span.End()
	q := `SELECT ` + connectionColumns + ` FROM platform_connections WHERE user_id=$1 ORDER BY is_default DESC, created_at ASC`
	rows, err := querier(ctx, r.Pool).Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("op=connection.list: %w", err)
	}
	defer rows.Close()
	var out []domain.PlatformConnection
	for rows.Next() {
		pc, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("op=connection.list: %w", err)
		}
		out = append(out, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=connection.list: %w", err)
	}
	return out, nil
}

// GetDefault loads the user's default connection.
func (r *ConnectionRepo) GetDefault(ctx domain.Context, userID string) (domain.PlatformConnection, error) {
	tracer := otel.Tracer("repo.connections")
	ctx, span := tracer.Start(ctx, "connections.GetDefault")
	defer span.End()
	q := `SELECT ` + connectionColumns + ` FROM platform_connections WHERE user_id=$1 AND is_default`
	return r.scanOne(ctx, "op=connection.get_default", q, userID)
}

// SetDefault marks id as the user's default connection, clearing the previous
// one in the same transaction so the partial unique index never trips.
func (r *ConnectionRepo) SetDefault(ctx domain.Context, userID, id string) error {
	tracer := otel.Tracer("repo.connections")
	ctx, span := tracer.Start(ctx, "connections.SetDefault")
	defer span.End()
	return WithSession(ctx, r.Pool, func(ctx domain.Context) error {
		if err := r.clearDefault(ctx, userID); err != nil {
			return err
		}
		tag, err := querier(ctx, r.Pool).Exec(ctx,
			`UPDATE platform_connections SET is_default=TRUE, updated_at=$3 WHERE id=$1 AND user_id=$2`,
			id, userID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("op=connection.set_default: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("op=connection.set_default: %w", domain.ErrNotFound)
		}
		return nil
	})
}

func (r *ConnectionRepo) clearDefault(ctx domain.Context, userID string) error {
	_, err := querier(ctx, r.Pool).Exec(ctx,
		`UPDATE platform_connections SET is_default=FALSE, updated_at=$2 WHERE user_id=$1 AND is_default`,
		userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=connection.clear_default: %w", err)
	}
	return nil
}

// Delete removes a connection. Without force it refuses when the connection
// still owns posts, images or tasks; with force it cascades over them first.
func (r *ConnectionRepo) Delete(ctx domain.Context, userID, id string, force bool) error {
	tracer := otel.Tracer("repo.connections")
	ctx, span := tracer.Start(ctx, "connections.Delete")
	defer span.End()
	return WithSession(ctx, r.Pool, func(ctx domain.Context) error {
		q := querier(ctx, r.Pool)
		var refs int64
		err := q.QueryRow(ctx, `SELECT
			(SELECT COUNT(*) FROM posts WHERE platform_connection_id=$1) +
			(SELECT COUNT(*) FROM images WHERE platform_connection_id=$1) +
			(SELECT COUNT(*) FROM caption_tasks WHERE platform_connection_id=$1)`, id).Scan(&refs)
		if err != nil {
			return fmt.Errorf("op=connection.delete: %w", err)
		}
		if refs > 0 && !force {
			return fmt.Errorf("op=connection.delete: %d dependent rows: %w", refs, domain.ErrConflict)
		}
		if force {
			for _, stmt := range []string{
				`DELETE FROM caption_tasks WHERE platform_connection_id=$1`,
				`DELETE FROM processing_runs WHERE platform_connection_id=$1`,
				`DELETE FROM images WHERE platform_connection_id=$1`,
				`DELETE FROM posts WHERE platform_connection_id=$1`,
				`DELETE FROM user_settings WHERE platform_connection_id=$1`,
			} {
				if _, err := q.Exec(ctx, stmt, id); err != nil {
					return fmt.Errorf("op=connection.delete: cascade: %w", err)
				}
			}
		}
		tag, err := q.Exec(ctx, `DELETE FROM platform_connections WHERE id=$1 AND user_id=$2`, id, userID)
		if err != nil {
			return fmt.Errorf("op=connection.delete: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("op=connection.delete: %w", domain.ErrNotFound)
		}
		return nil
	})
}

// TouchLastUsed stamps last_used_at on every successful platform call.
func (r *ConnectionRepo) TouchLastUsed(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.connections")
	ctx, span := tracer.Start(ctx, "connections.TouchLastUsed")
	defer span.End()
	_, err := querier(ctx, r.Pool).Exec(ctx,
		`UPDATE platform_connections SET last_used_at=$2 WHERE id=$1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=connection.touch_last_used: %w", err)
	}
	return nil
}

func (r *ConnectionRepo) scanOne(ctx domain.Context, op, q string, args ...any) (domain.PlatformConnection, error) {
	pc, err := scanConnection(querier(ctx, r.Pool).QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PlatformConnection{}, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return domain.PlatformConnection{}, fmt.Errorf("%s: %w", op, err)
	}
	return pc, nil
}

func scanConnection(row pgx.Row) (domain.PlatformConnection, error) {
	var pc domain.PlatformConnection
	err := row.Scan(&pc.ID, &pc.UserID, &pc.Name, &pc.PlatformType, &pc.InstanceURL, &pc.Username,
		&pc.AccessToken, &pc.ClientKey, &pc.ClientSecret,
		&pc.IsActive, &pc.IsDefault, &pc.CreatedAt, &pc.UpdatedAt, &pc.LastUsedAt)
	return pc, err
}
