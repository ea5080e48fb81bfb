package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/adapter/platform"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/observability"
	"github.com/vedfolnir/vedfolnir/internal/platformctx"
	"github.com/vedfolnir/vedfolnir/internal/service/secrets"
	"github.com/vedfolnir/vedfolnir/pkg/textx"
)

// ReviewDecision enumerates what a reviewer can do with a generated caption.
type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
	DecisionEdit    ReviewDecision = "edit"
)

// ClientResolver builds a platform client for a connection config. Satisfied
// by *platform.Registry.
type ClientResolver interface {
	ClientFor(ctx context.Context, cfg platform.ClientConfig) (platform.Client, error)
}

// ReviewService applies human review decisions to generated captions and
// pushes approved ones back to the platform. All operations run under a
// bound platform context; the repos enforce it.
type ReviewService struct {
	Images   domain.ImageRepository
	Posts    domain.PostRepository
	Conns    domain.PlatformConnectionRepository
	Registry ClientResolver
	Box      *secrets.Box
}

// NewReviewService constructs a ReviewService with its dependencies.
func NewReviewService(i domain.ImageRepository, p domain.PostRepository, c domain.PlatformConnectionRepository, r ClientResolver, b *secrets.Box) ReviewService {
	return ReviewService{Images: i, Posts: p, Conns: c, Registry: r, Box: b}
}

// ReviewOutcome reports what happened to one image during review.
type ReviewOutcome struct {
	ImageID string             `json:"image_id"`
	Status  domain.ImageStatus `json:"status"`
	Error   string             `json:"error,omitempty"`
}

// Review applies one decision to one image. Approve publishes the generated
// caption; edit publishes the reviewer's caption; reject only records the
// decision. Publishing failures leave the image approved so the push can be
// retried without re-reviewing.
func (s ReviewService) Review(ctx domain.Context, imageID string, decision ReviewDecision, caption, notes string) (ReviewOutcome, error) {
	if imageID == "" {
		return ReviewOutcome{}, fmt.Errorf("op=review.apply: %w: image id required", domain.ErrInvalidArgument)
	}

	img, err := s.Images.Get(ctx, imageID)
	if err != nil {
		return ReviewOutcome{}, fmt.Errorf("op=review.apply: %w", err)
	}
	if img.Status == domain.ImagePosted {
		// Applying the same decision twice is a no-op, not an error.
		return ReviewOutcome{ImageID: img.ID, Status: img.Status}, nil
	}

	switch decision {
	case DecisionReject:
		if err := s.Images.Review(ctx, img.ID, domain.ImageRejected, "", notes); err != nil {
			return ReviewOutcome{}, fmt.Errorf("op=review.apply: %w", err)
		}
		return ReviewOutcome{ImageID: img.ID, Status: domain.ImageRejected}, nil

	case DecisionApprove:
		caption = img.GeneratedCaption
	case DecisionEdit:
		// caption comes from the request
	default:
		return ReviewOutcome{}, fmt.Errorf("op=review.apply: decision %q: %w", decision, domain.ErrInvalidArgument)
	}

	final := textx.ClampCaption(caption, domain.DefaultCaptionGenerationSettings().MaxCaptionLength)
	if final == "" {
		return ReviewOutcome{}, fmt.Errorf("op=review.apply: empty caption: %w", domain.ErrInvalidArgument)
	}

	if err := s.Images.Review(ctx, img.ID, domain.ImageApproved, final, notes); err != nil {
		return ReviewOutcome{}, fmt.Errorf("op=review.apply: %w", err)
	}

	if err := s.publish(ctx, img, final); err != nil {
		// Approved but not published; surfaced so the client can retry.
		return ReviewOutcome{ImageID: img.ID, Status: domain.ImageApproved, Error: err.Error()},
			fmt.Errorf("op=review.publish: %w", err)
	}
	if err := s.Images.MarkPosted(ctx, img.ID, final); err != nil {
		return ReviewOutcome{}, fmt.Errorf("op=review.apply: %w", err)
	}
	return ReviewOutcome{ImageID: img.ID, Status: domain.ImagePosted}, nil
}

// ReviewBatch applies one decision to a processing run's images. When
// imageIDs is non-empty only those images are touched; otherwise the whole
// batch. Outcomes are per image; one failure does not stop the rest.
func (s ReviewService) ReviewBatch(ctx domain.Context, batchID string, decision ReviewDecision, imageIDs []string, notes string) ([]ReviewOutcome, error) {
	if batchID == "" {
		return nil, fmt.Errorf("op=review.batch: %w: batch id required", domain.ErrInvalidArgument)
	}

	images, err := s.Images.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("op=review.batch: %w", err)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("op=review.batch: batch %s: %w", batchID, domain.ErrNotFound)
	}

	selected := map[string]bool{}
	for _, id := range imageIDs {
		selected[id] = true
	}

	var out []ReviewOutcome
	for _, img := range images {
		if len(selected) > 0 && !selected[img.ID] {
			continue
		}
		if img.Status != domain.ImagePending {
			continue
		}
		outcome, err := s.Review(ctx, img.ID, decision, img.GeneratedCaption, notes)
		if err != nil {
			observability.LoggerFromContext(ctx).Warn("batch review item failed",
				slog.String("image_id", img.ID), slog.Any("error", err))
			if outcome.ImageID == "" {
				outcome = ReviewOutcome{ImageID: img.ID, Status: img.Status, Error: err.Error()}
			}
		}
		out = append(out, outcome)
	}
	return out, nil
}

// Queue lists images awaiting review for the bound platform connection,
// oldest first.
func (s ReviewService) Queue(ctx domain.Context, limit int) ([]domain.Image, error) {
	images, err := s.Images.ListPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("op=review.queue: %w", err)
	}
	return images, nil
}

// publish writes the caption back to the platform the image came from.
func (s ReviewService) publish(ctx domain.Context, img domain.Image, caption string) error {
	pc, err := platformctx.Require(ctx)
	if err != nil {
		return err
	}
	conn, err := s.Conns.Get(ctx, pc.UserID, pc.ConnectionID)
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}
	cfg, err := platform.ConfigFromConnection(conn, s.Box)
	if err != nil {
		return err
	}
	client, err := s.Registry.ClientFor(ctx, cfg)
	if err != nil {
		return err
	}

	post, err := s.Posts.Get(ctx, img.PostID)
	if err != nil {
		return fmt.Errorf("load post: %w", err)
	}

	start := time.Now()
	if err := client.UpdateMediaCaption(ctx, post.PlatformPostID, img.PlatformMediaID, caption); err != nil {
		return fmt.Errorf("update media caption: %w", err)
	}
	_ = s.Conns.TouchLastUsed(ctx, conn.ID)

	observability.LoggerFromContext(ctx).Info("caption published",
		slog.String("image_id", img.ID),
		slog.String("post_id", post.PlatformPostID),
		slog.Duration("took", time.Since(start)))
	return nil
}
