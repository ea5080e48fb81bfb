package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/platformctx"
)

const postColumns = `id, platform_post_id, user_id, platform_connection_id, platform_type, instance_url,
	url, content, created_at, updated_at`

// PostRepo persists cached platform posts. Every operation is scoped to the
// platform connection bound in the context.
type PostRepo struct{ Pool PgxPool }

// NewPostRepo constructs a PostRepo with the given pool.
func NewPostRepo(p PgxPool) *PostRepo { return &PostRepo{Pool: p} }

// Upsert inserts or refreshes a post keyed by (connection, platform post id)
// and returns its row id. The platform identity columns are stamped from the
// bound context; a caller-supplied mismatch is rejected.
func (r *PostRepo) Upsert(ctx domain.Context, p domain.Post) (string, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.Upsert")
	defer span.End()
	pc, err := platformctx.Require(ctx)
	if err != nil {
		return "", fmt.Errorf("op=post.upsert: %w", err)
	}
	if p.PlatformConnectionID != "" && p.PlatformConnectionID != pc.ConnectionID {
		return "", fmt.Errorf("op=post.upsert: connection mismatch: %w", domain.ErrInvalidArgument)
	}
	if p.PlatformType != "" && p.PlatformType != pc.PlatformType {
		return "", fmt.Errorf("op=post.upsert: platform_type mismatch: %w", domain.ErrInvalidArgument)
	}
	if p.PlatformPostID == "" {
		return "", fmt.Errorf("op=post.upsert: empty platform_post_id: %w", domain.ErrInvalidArgument)
	}
	platformctx.StampPost(pc, &p)
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO posts (id, platform_post_id, user_id, platform_connection_id, platform_type, instance_url, url, content, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	      ON CONFLICT (platform_connection_id, platform_post_id)
	      DO UPDATE SET url=EXCLUDED.url, content=EXCLUDED.content, updated_at=EXCLUDED.updated_at
	      RETURNING id`
	row := querier(ctx, r.Pool).QueryRow(ctx, q, id, p.PlatformPostID, pc.UserID, pc.ConnectionID,
		pc.PlatformType, pc.InstanceURL, p.URL, p.Content, now, now)
	var got string
	if err := row.Scan(&got); err != nil {
		return "", fmt.Errorf("op=post.upsert: %w", err)
	}
	return got, nil
}

// Get loads a post by row id within the bound connection.
func (r *PostRepo) Get(ctx domain.Context, id string) (domain.Post, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.Get")
	defer span.End()
	return r.getBy(ctx, "op=post.get", `id=$2`, id)
}

// GetByPlatformPostID loads a post by the platform's own id within the bound
// connection.
func (r *PostRepo) GetByPlatformPostID(ctx domain.Context, platformPostID string) (domain.Post, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.GetByPlatformPostID")
	defer span.End()
	return r.getBy(ctx, "op=post.get_by_platform_post_id", `platform_post_id=$2`, platformPostID)
}

func (r *PostRepo) getBy(ctx domain.Context, op, pred string, arg any) (domain.Post, error) {
	pc, err := platformctx.Require(ctx)
	if err != nil {
		return domain.Post{}, fmt.Errorf("%s: %w", op, err)
	}
	q := `SELECT ` + postColumns + ` FROM posts WHERE platform_connection_id=$1 AND ` + pred
	row := querier(ctx, r.Pool).QueryRow(ctx, q, pc.ConnectionID, arg)
	var p domain.Post
	if err := row.Scan(&p.ID, &p.PlatformPostID, &p.UserID, &p.PlatformConnectionID, &p.PlatformType,
		&p.InstanceURL, &p.URL, &p.Content, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Post{}, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return domain.Post{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}
