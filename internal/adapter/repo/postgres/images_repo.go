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

const imageColumns = `id, post_id, platform_connection_id, platform_type, instance_url, image_url,
	local_path, media_type, attachment_index, platform_media_id,
	original_caption, generated_caption, reviewed_caption, final_caption,
	quality_score, prompt_used, status, reviewer_notes, processing_error, needs_special_review,
	batch_id, created_at, updated_at, reviewed_at, posted_at`

// ImageRepo persists image attachments through the caption review workflow.
// Every operation is scoped to the platform connection bound in the context.
type ImageRepo struct{ Pool PgxPool }

// NewImageRepo constructs an ImageRepo with the given pool.
func NewImageRepo(p PgxPool) *ImageRepo { return &ImageRepo{Pool: p} }

// Upsert inserts an image keyed by image_url, refreshing local bookkeeping
// columns when the row already exists, and returns its id.
func (r *ImageRepo) Upsert(ctx domain.Context, img domain.Image) (string, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.Upsert")
	defer span.End()
	pc, err := platformctx.Require(ctx)
	if err != nil {
		return "", fmt.Errorf("op=image.upsert: %w", err)
	}
	if img.PlatformConnectionID != "" && img.PlatformConnectionID != pc.ConnectionID {
		return "", fmt.Errorf("op=image.upsert: connection mismatch: %w", domain.ErrInvalidArgument)
	}
	if img.ImageURL == "" {
		return "", fmt.Errorf("op=image.upsert: empty image_url: %w", domain.ErrInvalidArgument)
	}
	platformctx.Stamp(pc, &img)
	id := img.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := img.Status
	if status == "" {
		status = domain.ImagePending
	}
	now := time.Now().UTC()
	q := `INSERT INTO images (id, post_id, platform_connection_id, platform_type, instance_url, image_url,
	       local_path, media_type, attachment_index, platform_media_id, original_caption, status, batch_id,
	       created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	      ON CONFLICT (image_url)
	      DO UPDATE SET local_path=EXCLUDED.local_path, media_type=EXCLUDED.media_type,
	                    platform_media_id=EXCLUDED.platform_media_id, batch_id=EXCLUDED.batch_id,
	                    updated_at=EXCLUDED.updated_at
	      RETURNING id`
	row := querier(ctx, r.Pool).QueryRow(ctx, q, id, img.PostID, pc.ConnectionID, pc.PlatformType, pc.InstanceURL,
		img.ImageURL, img.LocalPath, img.MediaType, img.AttachmentIndex, img.PlatformMediaID,
		img.OriginalCaption, status, img.BatchID, now, now)
	var got string
	if err := row.Scan(&got); err != nil {
		return "", fmt.Errorf("op=image.upsert: %w", err)
	}
	return got, nil
}

// Get loads an image by id within the bound connection.
func (r *ImageRepo) Get(ctx domain.Context, id string) (domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.Get")
	defer span.End()
	return r.getBy(ctx, "op=image.get", `id=$2`, id)
}

// GetByImageURL loads an image by its source URL within the bound connection.
func (r *ImageRepo) GetByImageURL(ctx domain.Context, imageURL string) (domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.GetByImageURL")
	defer span.End()
	return r.getBy(ctx, "op=image.get_by_url", `image_url=$2`, imageURL)
}

func (r *ImageRepo) getBy(ctx domain.Context, op, pred string, arg any) (domain.Image, error) {
	pc, err := platformctx.Require(ctx)
	if err != nil {
		return domain.Image{}, fmt.Errorf("%s: %w", op, err)
	}
	q := `SELECT ` + imageColumns + ` FROM images WHERE platform_connection_id=$1 AND ` + pred
	img, err := scanImage(querier(ctx, r.Pool).QueryRow(ctx, q, pc.ConnectionID, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Image{}, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return domain.Image{}, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

// ListPending returns the review queue for the bound connection, oldest first.
func (r *ImageRepo) ListPending(ctx domain.Context, limit int) ([]domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.ListPending")
	defer span.End()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + imageColumns + ` FROM images WHERE platform_connection_id=$1 AND status=$2 ORDER BY created_at ASC LIMIT $3`
	return r.list(ctx, "op=image.list_pending", q, domain.ImagePending, limit)
}

// ListByBatch returns every image a processing run produced.
func (r *ImageRepo) ListByBatch(ctx domain.Context, batchID string) ([]domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.ListByBatch")
	defer span.End()
	q := `SELECT ` + imageColumns + ` FROM images WHERE platform_connection_id=$1 AND batch_id=$2 ORDER BY created_at ASC`
	return r.list(ctx, "op=image.list_by_batch", q, batchID)
}

func (r *ImageRepo) list(ctx domain.Context, op, q string, args ...any) ([]domain.Image, error) {
	pc, err := platformctx.Require(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	all := append([]any{pc.ConnectionID}, args...)
	rows, err := querier(ctx, r.Pool).Query(ctx, q, all...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []domain.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// SetGenerated records a model caption and its assessment, clearing any prior
// processing error. The image stays pending for human review.
func (r *ImageRepo) SetGenerated(ctx domain.Context, id, caption, promptUsed string, qualityScore int, needsSpecialReview bool) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.SetGenerated")
	defer span.End()
	q := `UPDATE images SET generated_caption=$3, prompt_used=$4, quality_score=$5, needs_special_review=$6,
	       processing_error='', status=$7, updated_at=$8
	      WHERE platform_connection_id=$1 AND id=$2`
	return r.update(ctx, "op=image.set_generated", q, id, caption, promptUsed, qualityScore, needsSpecialReview,
		domain.ImagePending, time.Now().UTC())
}

// SetError marks an image as failed with the sanitized error text.
func (r *ImageRepo) SetError(ctx domain.Context, id, processingError string) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.SetError")
	defer span.End()
	q := `UPDATE images SET processing_error=$3, status=$4, updated_at=$5
	      WHERE platform_connection_id=$1 AND id=$2`
	return r.update(ctx, "op=image.set_error", q, id, processingError, domain.ImageError, time.Now().UTC())
}

// Review records a reviewer decision. Only review outcomes are accepted as
// target status.
func (r *ImageRepo) Review(ctx domain.Context, id string, status domain.ImageStatus, reviewedCaption, notes string) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.Review")
	defer span.End()
	switch status {
	case domain.ImageReviewed, domain.ImageApproved, domain.ImageRejected:
	default:
		return fmt.Errorf("op=image.review: status %q: %w", status, domain.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	q := `UPDATE images SET status=$3, reviewed_caption=$4, reviewer_notes=$5, reviewed_at=$6, updated_at=$6
	      WHERE platform_connection_id=$1 AND id=$2`
	return r.update(ctx, "op=image.review", q, id, status, reviewedCaption, notes, now)
}

// MarkPosted records that the caption was published back to the platform.
func (r *ImageRepo) MarkPosted(ctx domain.Context, id, finalCaption string) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.MarkPosted")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE images SET status=$3, final_caption=$4, posted_at=$5, updated_at=$5
	      WHERE platform_connection_id=$1 AND id=$2`
	return r.update(ctx, "op=image.mark_posted", q, id, domain.ImagePosted, finalCaption, now)
}

func (r *ImageRepo) update(ctx domain.Context, op, q string, id any, args ...any) error {
	pc, err := platformctx.Require(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	all := append([]any{pc.ConnectionID, id}, args...)
	tag, err := querier(ctx, r.Pool).Exec(ctx, q, all...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return nil
}

func scanImage(row pgx.Row) (domain.Image, error) {
	var img domain.Image
	err := row.Scan(&img.ID, &img.PostID, &img.PlatformConnectionID, &img.PlatformType, &img.InstanceURL,
		&img.ImageURL, &img.LocalPath, &img.MediaType, &img.AttachmentIndex, &img.PlatformMediaID,
		&img.OriginalCaption, &img.GeneratedCaption, &img.ReviewedCaption, &img.FinalCaption,
		&img.QualityScore, &img.PromptUsed, &img.Status, &img.ReviewerNotes, &img.ProcessingError,
		&img.NeedsSpecialReview, &img.BatchID, &img.CreatedAt, &img.UpdatedAt, &img.ReviewedAt, &img.PostedAt)
	return img, err
}
