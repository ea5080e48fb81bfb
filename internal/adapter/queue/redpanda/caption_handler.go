package redpanda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	obsmetrics "github.com/vedfolnir/vedfolnir/internal/adapter/observability"
	"github.com/vedfolnir/vedfolnir/internal/adapter/platform"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/observability"
	"github.com/vedfolnir/vedfolnir/internal/platformctx"
	"github.com/vedfolnir/vedfolnir/internal/service/recovery"
	"github.com/vedfolnir/vedfolnir/internal/service/secrets"
	"github.com/vedfolnir/vedfolnir/pkg/textx"
)

// ClientResolver builds a platform client for a connection. Satisfied by
// *platform.Registry.
type ClientResolver interface {
	ClientFor(ctx context.Context, cfg platform.ClientConfig) (platform.Client, error)
}

// CaptionHandler drives one caption generation task end to end: claim the
// task, open a processing run, page through posts, download and caption
// un-alted images, persist results for review, stream progress, and close the
// task with the run summary. Cancellation and the per-task timeout are
// observed between every image.
type CaptionHandler struct {
	Tasks     domain.TaskRepository
	Conns     domain.PlatformConnectionRepository
	Posts     domain.PostRepository
	Images    domain.ImageRepository
	Runs      domain.ProcessingRunRepository
	Registry  ClientResolver
	Box       *secrets.Box
	Store     domain.ImageDownloader
	Captioner domain.CaptionGenerator
	Progress  domain.ProgressSink
	Recovery  *recovery.Service

	// TaskTimeout bounds one task's wall clock; exceeding it is treated as
	// cancellation so partial results still land.
	TaskTimeout time.Duration
}

// errCancelled marks a run ended by user cancel or task timeout.
var errCancelled = errors.New("task cancelled")

// HandleCaptionTask implements TaskHandler.
func (h *CaptionHandler) HandleCaptionTask(ctx context.Context, payload domain.CaptionTaskPayload) error {
	lg := observability.LoggerFromContext(ctx)

	won, err := h.Tasks.CompareAndSwapStatus(ctx, payload.TaskID, domain.TaskQueued, domain.TaskRunning)
	if err != nil {
		return fmt.Errorf("op=worker.claim: %w", err)
	}
	if !won {
		// Another worker claimed it, or it was cancelled while queued.
		lg.Info("caption task already claimed, skipping")
		return nil
	}

	obsmetrics.StartProcessingTask("caption")

	task, err := h.Tasks.Get(ctx, payload.TaskID)
	if err != nil {
		obsmetrics.FailTask("caption")
		return fmt.Errorf("op=worker.load_task: %w", err)
	}

	conn, err := h.Conns.Get(ctx, payload.UserID, payload.PlatformConnectionID)
	if err != nil {
		h.failTask(ctx, task.ID, nil, err, "load connection")
		return fmt.Errorf("op=worker.load_connection: %w", err)
	}
	ctx = platformctx.Bind(ctx, platformctx.FromConnection(conn, task.ID))

	if h.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.TaskTimeout)
		defer cancel()
	}

	settings := task.Settings.Normalize()

	cfg, err := platform.ConfigFromConnection(conn, h.Box)
	if err != nil {
		h.failTask(ctx, task.ID, nil, err, "decrypt credentials")
		return fmt.Errorf("op=worker.credentials: %w", err)
	}
	client, err := h.Registry.ClientFor(ctx, cfg)
	if err != nil {
		h.failTask(ctx, task.ID, nil, err, "resolve platform client")
		return fmt.Errorf("op=worker.client: %w", err)
	}

	account, err := client.Authenticate(ctx)
	if err != nil {
		h.failTask(ctx, task.ID, nil, err, "authenticate")
		return fmt.Errorf("op=worker.authenticate: %w", err)
	}
	_ = h.Conns.TouchLastUsed(ctx, conn.ID)

	batchID := ulid.Make().String()
	run := domain.ProcessingRun{
		UserID:               payload.UserID,
		PlatformConnectionID: conn.ID,
		BatchID:              batchID,
		Status:               domain.RunRunning,
		StartedAt:            time.Now(),
	}
	runID, err := h.Runs.Create(ctx, run)
	if err != nil {
		h.failTask(ctx, task.ID, nil, err, "open processing run")
		return fmt.Errorf("op=worker.open_run: %w", err)
	}
	run.ID = runID

	results := &domain.GenerationResults{
		TaskID:           task.ID,
		BatchID:          batchID,
		FallbackAttempts: map[string]int{},
	}

	h.emit(ctx, task.ID, domain.TaskRunning, "fetching posts", 0, false)

	posts, err := client.ListUserPosts(ctx, account.ID, settings.MaxPostsPerRun)
	if err != nil {
		if h.wasCancelled(ctx, task.ID) {
			h.closeRun(ctx, run, results, domain.RunCancelled)
			return h.finishCancelled(ctx, task.ID, results)
		}
		h.closeRun(ctx, run, results, domain.RunFailed)
		h.failTask(ctx, task.ID, results, err, "list posts")
		return fmt.Errorf("op=worker.list_posts: %w", err)
	}

	for i, post := range posts {
		if h.wasCancelled(ctx, task.ID) {
			h.closeRun(ctx, run, results, domain.RunCancelled)
			return h.finishCancelled(ctx, task.ID, results)
		}

		if err := h.processPost(ctx, client, task.ID, post, settings, batchID, results); err != nil {
			if errors.Is(err, errCancelled) {
				h.closeRun(ctx, run, results, domain.RunCancelled)
				return h.finishCancelled(ctx, task.ID, results)
			}
			decision := h.Recovery.Handle(ctx, err, "process post", task.ID)
			results.ErrorsCount++
			switch decision.Action {
			case domain.ActionNotifyAndAbort, domain.ActionFailFast:
				h.closeRun(ctx, run, results, domain.RunFailed)
				h.failTask(ctx, task.ID, results, err, "process post")
				return fmt.Errorf("op=worker.process_post: %w", err)
			case domain.ActionSingleRetry:
				// Unclassified failures get one immediate retry; a
				// second failure fails the task.
				if err = h.processPost(ctx, client, task.ID, post, settings, batchID, results); err != nil {
					if errors.Is(err, errCancelled) {
						h.closeRun(ctx, run, results, domain.RunCancelled)
						return h.finishCancelled(ctx, task.ID, results)
					}
					results.ErrorsCount++
					h.closeRun(ctx, run, results, domain.RunFailed)
					h.failTask(ctx, task.ID, results, err, "process post")
					return fmt.Errorf("op=worker.process_post: %w", err)
				}
			default:
				// Retryable categories already exhausted their in-call
				// backoff; raise the admin notification and continue
				// with the next post.
				h.Recovery.NotifyExhausted(decision.Category, task.ID, err.Error())
			}
		}
		results.PostsProcessed++

		percent := ((i + 1) * 100) / len(posts)
		if percent > 99 {
			percent = 99
		}
		step := fmt.Sprintf("processed %d/%d posts", i+1, len(posts))
		_ = h.Tasks.UpdateProgress(ctx, task.ID, percent, step)
		h.emit(ctx, task.ID, domain.TaskRunning, step, percent, false)
	}

	h.closeRun(ctx, run, results, domain.RunCompleted)

	results.CompletedAt = time.Now()
	if err := h.Tasks.Complete(ctx, task.ID, domain.TaskCompleted, "", results); err != nil {
		obsmetrics.FailTask("caption")
		return fmt.Errorf("op=worker.complete: %w", err)
	}
	obsmetrics.CompleteTask("caption")
	h.emit(ctx, task.ID, domain.TaskCompleted, "completed", 100, true)

	lg.Info("caption task completed",
		slog.Int("posts", results.PostsProcessed),
		slog.Int("images", results.ImagesProcessed),
		slog.Int("captions", results.CaptionsGenerated),
		slog.Int("errors", results.ErrorsCount))
	return nil
}

// processPost upserts the post and captions each image attachment that lacks
// meaningful alt text.
func (h *CaptionHandler) processPost(ctx context.Context, client platform.Client, taskID string, np platform.NormalizedPost, settings domain.CaptionGenerationSettings, batchID string, results *domain.GenerationResults) error {
	postID, err := h.Posts.Upsert(ctx, domain.Post{
		PlatformPostID: np.ID,
		URL:            np.URL,
		Content:        np.Content,
	})
	if err != nil {
		return fmt.Errorf("upsert post %s: %w", np.ID, err)
	}

	category := domain.CategoryForText(textx.HTMLToPlainText(np.Content))

	for _, att := range platform.ExtractImages(np) {
		if cancelled := h.checkCancel(ctx, taskID); cancelled != nil {
			return cancelled
		}

		if !settings.ReprocessExisting {
			if existing, err := h.Images.GetByImageURL(ctx, att.URL); err == nil && existing.Status != domain.ImageError {
				results.SkippedExisting++
				continue
			}
		}

		imgID, err := h.Images.Upsert(ctx, domain.Image{
			PostID:          postID,
			ImageURL:        att.URL,
			MediaType:       att.MediaType,
			AttachmentIndex: att.Index,
			PlatformMediaID: att.MediaID,
			OriginalCaption: att.AltText,
			BatchID:         batchID,
		})
		if err != nil {
			return fmt.Errorf("upsert image %s: %w", att.URL, err)
		}
		results.ImagesProcessed++

		localPath, mediaType, err := h.Store.Download(ctx, att.URL, settings.ReprocessExisting)
		if err != nil {
			if cancelled := h.checkCancel(ctx, taskID); cancelled != nil {
				return cancelled
			}
			h.recordImageError(ctx, imgID, results, err, "download image")
			continue
		}
		if _, err := h.Images.Upsert(ctx, domain.Image{
			PostID:          postID,
			ImageURL:        att.URL,
			LocalPath:       localPath,
			MediaType:       mediaType,
			AttachmentIndex: att.Index,
			PlatformMediaID: att.MediaID,
			OriginalCaption: att.AltText,
			BatchID:         batchID,
		}); err != nil {
			return fmt.Errorf("update image %s: %w", att.URL, err)
		}

		res, err := h.Captioner.Generate(ctx, localPath, category, settings)
		if err != nil {
			if cancelled := h.checkCancel(ctx, taskID); cancelled != nil {
				return cancelled
			}
			h.recordImageError(ctx, imgID, results, err, "generate caption")
			continue
		}
		mergeAttempts(results.FallbackAttempts, res.Attempts)

		if err := h.Images.SetGenerated(ctx, imgID, res.Caption, res.PromptUsed, res.QualityScore, res.NeedsSpecialReview); err != nil {
			return fmt.Errorf("persist caption for %s: %w", att.URL, err)
		}
		results.CaptionsGenerated++
		results.ImageIDs = append(results.ImageIDs, imgID)

		// percent 0 is raised to the high-water mark by the publisher's
		// monotonic clamp; only the step text advances per image
		h.emit(ctx, taskID, domain.TaskRunning,
			fmt.Sprintf("captioned image %d", results.ImagesProcessed), 0, false)

		if settings.ProcessingDelay > 0 {
			select {
			case <-ctx.Done():
				return errCancelled
			case <-time.After(settings.ProcessingDelay):
			}
		}
	}
	return nil
}

// recordImageError stores the failure on the image row and counts it.
func (h *CaptionHandler) recordImageError(ctx context.Context, imgID string, results *domain.GenerationResults, err error, operation string) {
	h.Recovery.Handle(ctx, err, operation, "")
	results.ErrorsCount++
	if setErr := h.Images.SetError(ctx, imgID, err.Error()); setErr != nil {
		observability.LoggerFromContext(ctx).Error("failed to record image error",
			slog.String("image_id", imgID), slog.Any("error", setErr))
	}
}

// checkCancel returns errCancelled when the context is done (cancel or
// timeout) or the task's cancel flag is set. Polled between images so a
// cancel issued mid-post stops at the next image boundary, not the next
// post. A failed flag read is logged and treated as not cancelled.
func (h *CaptionHandler) checkCancel(ctx context.Context, taskID string) error {
	if ctx.Err() != nil {
		return errCancelled
	}
	requested, err := h.Tasks.CancelRequested(ctx, taskID)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("cancel check failed", slog.Any("error", err))
		return nil
	}
	if requested {
		return errCancelled
	}
	return nil
}

// wasCancelled reports whether the task should stop: explicit cancel request
// or expired context.
func (h *CaptionHandler) wasCancelled(ctx context.Context, taskID string) bool {
	return h.checkCancel(ctx, taskID) != nil
}

// finishCancelled records partial results and moves the task to cancelled.
// Uses a fresh context so the write is not lost to the expired one.
func (h *CaptionHandler) finishCancelled(ctx context.Context, taskID string, results *domain.GenerationResults) error {
	wctx := h.detach(ctx)
	results.Partial = true
	results.CompletedAt = time.Now()
	if err := h.Tasks.Complete(wctx, taskID, domain.TaskCancelled, "", results); err != nil {
		obsmetrics.FailTask("caption")
		return fmt.Errorf("op=worker.cancel: %w", err)
	}
	obsmetrics.FailTask("caption")
	// percent 0 here is raised to the task's high-water mark by the
	// publisher's monotonic clamp
	h.emit(wctx, taskID, domain.TaskCancelled, "cancelled", 0, true)
	observability.LoggerFromContext(ctx).Info("caption task cancelled",
		slog.Int("posts", results.PostsProcessed), slog.Int("images", results.ImagesProcessed))
	return nil
}

// failTask moves the task to failed with the raw error; the API layer
// sanitizes messages before exposing them.
func (h *CaptionHandler) failTask(ctx context.Context, taskID string, results *domain.GenerationResults, cause error, operation string) {
	h.Recovery.Handle(ctx, cause, operation, taskID)
	wctx := h.detach(ctx)
	if results != nil {
		results.Partial = true
		results.CompletedAt = time.Now()
	}
	if err := h.Tasks.Complete(wctx, taskID, domain.TaskFailed, cause.Error(), results); err != nil {
		observability.LoggerFromContext(ctx).Error("failed to mark task failed",
			slog.String("task_id", taskID), slog.Any("error", err))
	}
	obsmetrics.FailTask("caption")
	h.emit(wctx, taskID, domain.TaskFailed, operation+" failed", 0, true)
}

// detach rebuilds a short-lived context carrying the platform binding but not
// the (possibly expired) deadline, for terminal writes.
func (h *CaptionHandler) detach(ctx context.Context) context.Context {
	wctx := context.Background()
	if pc, ok := platformctx.From(ctx); ok {
		wctx = platformctx.Bind(wctx, pc)
	}
	wctx, cancel := context.WithTimeout(wctx, 10*time.Second)
	_ = cancel // released when the timer fires; writes finish well before
	return wctx
}

// closeRun finalizes the processing run with the aggregated counters.
func (h *CaptionHandler) closeRun(ctx context.Context, run domain.ProcessingRun, results *domain.GenerationResults, status domain.RunStatus) {
	wctx := h.detach(ctx)
	now := time.Now()
	run.PostsProcessed = results.PostsProcessed
	run.ImagesProcessed = results.ImagesProcessed
	run.CaptionsGenerated = results.CaptionsGenerated
	run.ErrorsCount = results.ErrorsCount
	run.RetryAttempts = fallbackAttemptTotal(results.FallbackAttempts)
	run.RetrySuccesses = results.FallbackAttempts[attemptKeySuccess1] + results.FallbackAttempts[attemptKeySuccess2]
	run.Status = status
	run.CompletedAt = &now
	if err := h.Runs.Finish(wctx, run); err != nil {
		observability.LoggerFromContext(ctx).Error("failed to close processing run",
			slog.String("run_id", run.ID), slog.Any("error", err))
	}
}

// emit publishes a progress event; streaming is best effort.
func (h *CaptionHandler) emit(ctx context.Context, taskID string, status domain.TaskStatus, step string, percent int, terminal bool) {
	if h.Progress == nil {
		return
	}
	if err := h.Progress.Publish(ctx, domain.ProgressEvent{
		TaskID:          taskID,
		Status:          status,
		CurrentStep:     step,
		ProgressPercent: percent,
		Terminal:        terminal,
	}); err != nil {
		observability.LoggerFromContext(ctx).Warn("progress publish failed",
			slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// fallback attempt keys mirrored from the vision adapter's ladder outcomes;
// only the rung transitions count as retries on a run.
const (
	attemptKeySuccess1 = "fallback_1_success"
	attemptKeySuccess2 = "fallback_2_success"
)

func fallbackAttemptTotal(attempts map[string]int) int {
	total := 0
	for key, n := range attempts {
		if len(key) > 9 && key[:9] == "fallback_" {
			total += n
		}
	}
	return total
}

func mergeAttempts(dst, src map[string]int) {
	for k, v := range src {
		dst[k] += v
	}
}
