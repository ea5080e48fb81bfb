package usecase_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vedfolnir/vedfolnir/internal/adapter/platform"
	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// In-memory repositories with the same contract semantics as the postgres
// implementations, enough for service-level tests.

type memTasks struct {
	mu    sync.Mutex
	tasks map[string]*domain.CaptionGenerationTask
}

func newMemTasks() *memTasks {
	return &memTasks{tasks: map[string]*domain.CaptionGenerationTask{}}
}

func (m *memTasks) Create(ctx domain.Context, t domain.CaptionGenerationTask) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.tasks {
		if ex.UserID == t.UserID && !ex.Status.Terminal() {
			return "", domain.ErrTaskActiveExists
		}
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Status = domain.TaskQueued
	t.CreatedAt = time.Now().UTC()
	m.tasks[t.ID] = &t
	return t.ID, nil
}

func (m *memTasks) Get(ctx domain.Context, id string) (domain.CaptionGenerationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.CaptionGenerationTask{}, domain.ErrNotFound
	}
	return *t, nil
}

func (m *memTasks) CompareAndSwapStatus(ctx domain.Context, id string, from, to domain.TaskStatus) (bool, error) {
	if !domain.ValidTaskTransition(from, to) {
		return false, fmt.Errorf("transition %s->%s: %w", from, to, domain.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	now := time.Now().UTC()
	if to == domain.TaskRunning {
		t.StartedAt = &now
	}
	if to.Terminal() {
		t.CompletedAt = &now
	}
	return true, nil
}

func (m *memTasks) ActiveForUser(ctx domain.Context, userID string) (domain.CaptionGenerationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.UserID == userID && !t.Status.Terminal() {
			return *t, nil
		}
	}
	return domain.CaptionGenerationTask{}, domain.ErrNotFound
}

func (m *memTasks) RequestCancel(ctx domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status.Terminal() {
		return domain.ErrTaskNotCancellable
	}
	t.CancelRequested = true
	return nil
}

func (m *memTasks) CancelRequested(ctx domain.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	return t.CancelRequested, nil
}

func (m *memTasks) UpdateProgress(ctx domain.Context, id string, percent int, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.ProgressPercent = percent
		t.CurrentStep = step
	}
	return nil
}

func (m *memTasks) Complete(ctx domain.Context, id string, status domain.TaskStatus, errMsg string, results *domain.GenerationResults) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status.Terminal() {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	t.Status = status
	t.ErrorMessage = errMsg
	t.Results = results
	t.CompletedAt = &now
	return nil
}

func (m *memTasks) ListActive(ctx domain.Context) ([]domain.CaptionGenerationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CaptionGenerationTask
	for _, t := range m.tasks {
		if !t.Status.Terminal() {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memTasks) ListByUser(ctx domain.Context, userID string, offset, limit int) ([]domain.CaptionGenerationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CaptionGenerationTask
	for _, t := range m.tasks {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTasks) DeleteTerminalOlderThan(ctx domain.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tasks {
		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *memTasks) RequeueStuck(ctx domain.Context, olderThan time.Duration) ([]string, error) {
	return nil, nil
}

func (m *memTasks) Stats(ctx domain.Context) (domain.TaskStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st domain.TaskStats
	for _, t := range m.tasks {
		switch t.Status {
		case domain.TaskQueued:
			st.QueueDepth++
		case domain.TaskRunning:
			st.Running++
		case domain.TaskCompleted:
			st.CompletedTotal++
		case domain.TaskFailed:
			st.FailedTotal++
		case domain.TaskCancelled:
			st.CancelledTotal++
		}
	}
	return st, nil
}

type memConns struct {
	mu    sync.Mutex
	conns map[string]*domain.PlatformConnection
}

func newMemConns() *memConns {
	return &memConns{conns: map[string]*domain.PlatformConnection{}}
}

func (m *memConns) Create(ctx domain.Context, pc domain.PlatformConnection) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc.ID == "" {
		pc.ID = uuid.New().String()
	}
	for _, ex := range m.conns {
		if ex.UserID == pc.UserID && ex.Name == pc.Name {
			return "", domain.ErrConflict
		}
	}
	if pc.IsDefault {
		for _, ex := range m.conns {
			if ex.UserID == pc.UserID {
				ex.IsDefault = false
			}
		}
	}
	pc.CreatedAt = time.Now().UTC()
	m.conns[pc.ID] = &pc
	return pc.ID, nil
}

func (m *memConns) Get(ctx domain.Context, userID, id string) (domain.PlatformConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.conns[id]
	if !ok || pc.UserID != userID {
		return domain.PlatformConnection{}, domain.ErrNotFound
	}
	return *pc, nil
}

func (m *memConns) ListByUser(ctx domain.Context, userID string) ([]domain.PlatformConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PlatformConnection
	for _, pc := range m.conns {
		if pc.UserID == userID {
			out = append(out, *pc)
		}
	}
	return out, nil
}

func (m *memConns) GetDefault(ctx domain.Context, userID string) (domain.PlatformConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pc := range m.conns {
		if pc.UserID == userID && pc.IsDefault {
			return *pc, nil
		}
	}
	return domain.PlatformConnection{}, domain.ErrNotFound
}

func (m *memConns) SetDefault(ctx domain.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.conns[id]
	if !ok || target.UserID != userID {
		return domain.ErrNotFound
	}
	for _, pc := range m.conns {
		if pc.UserID == userID {
			pc.IsDefault = false
		}
	}
	target.IsDefault = true
	return nil
}

func (m *memConns) Delete(ctx domain.Context, userID, id string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.conns[id]
	if !ok || pc.UserID != userID {
		return domain.ErrNotFound
	}
	delete(m.conns, id)
	return nil
}

func (m *memConns) TouchLastUsed(ctx domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc, ok := m.conns[id]; ok {
		now := time.Now().UTC()
		pc.LastUsedAt = &now
	}
	return nil
}

type memImages struct {
	mu     sync.Mutex
	images map[string]*domain.Image
}

func newMemImages() *memImages { return &memImages{images: map[string]*domain.Image{}} }

func (m *memImages) add(img domain.Image) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if img.ID == "" {
		img.ID = uuid.New().String()
	}
	m.images[img.ID] = &img
	return img.ID
}

func (m *memImages) Upsert(ctx domain.Context, img domain.Image) (string, error) {
	return m.add(img), nil
}

func (m *memImages) Get(ctx domain.Context, id string) (domain.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return domain.Image{}, domain.ErrNotFound
	}
	return *img, nil
}

func (m *memImages) GetByImageURL(ctx domain.Context, imageURL string) (domain.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, img := range m.images {
		if img.ImageURL == imageURL {
			return *img, nil
		}
	}
	return domain.Image{}, domain.ErrNotFound
}

func (m *memImages) ListPending(ctx domain.Context, limit int) ([]domain.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Image
	for _, img := range m.images {
		if img.Status == domain.ImagePending {
			out = append(out, *img)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memImages) ListByBatch(ctx domain.Context, batchID string) ([]domain.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Image
	for _, img := range m.images {
		if img.BatchID == batchID {
			out = append(out, *img)
		}
	}
	return out, nil
}

func (m *memImages) SetGenerated(ctx domain.Context, id, caption, promptUsed string, qualityScore int, needsSpecialReview bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return domain.ErrNotFound
	}
	img.GeneratedCaption = caption
	img.PromptUsed = promptUsed
	img.QualityScore = qualityScore
	img.NeedsSpecialReview = needsSpecialReview
	img.Status = domain.ImagePending
	return nil
}

func (m *memImages) SetError(ctx domain.Context, id, processingError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return domain.ErrNotFound
	}
	img.ProcessingError = processingError
	img.Status = domain.ImageError
	return nil
}

func (m *memImages) Review(ctx domain.Context, id string, status domain.ImageStatus, reviewedCaption, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	img.Status = status
	img.ReviewedCaption = reviewedCaption
	img.ReviewerNotes = notes
	img.ReviewedAt = &now
	return nil
}

func (m *memImages) MarkPosted(ctx domain.Context, id, finalCaption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	img.Status = domain.ImagePosted
	img.FinalCaption = finalCaption
	img.PostedAt = &now
	return nil
}

type memPosts struct {
	mu    sync.Mutex
	posts map[string]*domain.Post
}

func newMemPosts() *memPosts { return &memPosts{posts: map[string]*domain.Post{}} }

func (m *memPosts) add(p domain.Post) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	m.posts[p.ID] = &p
	return p.ID
}

func (m *memPosts) Upsert(ctx domain.Context, p domain.Post) (string, error) {
	return m.add(p), nil
}

func (m *memPosts) Get(ctx domain.Context, id string) (domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return domain.Post{}, domain.ErrNotFound
	}
	return *p, nil
}

func (m *memPosts) GetByPlatformPostID(ctx domain.Context, platformPostID string) (domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.posts {
		if p.PlatformPostID == platformPostID {
			return *p, nil
		}
	}
	return domain.Post{}, domain.ErrNotFound
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []domain.CaptionTaskPayload
	err      error
}

func (f *fakeQueue) EnqueueCaptionTask(ctx domain.Context, payload domain.CaptionTaskPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.payloads = append(f.payloads, payload)
	return payload.TaskID, nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (f *fakeSink) Publish(ctx domain.Context, ev domain.ProgressEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type fakeClient struct {
	mu          sync.Mutex
	authErr     error
	captionErr  error
	captionSets map[string]string // "postID/mediaID" -> caption
}

func newFakeClient() *fakeClient { return &fakeClient{captionSets: map[string]string{}} }

func (f *fakeClient) PlatformType() domain.PlatformType { return domain.PlatformPixelfed }

func (f *fakeClient) Authenticate(ctx domain.Context) (platform.AccountInfo, error) {
	if f.authErr != nil {
		return platform.AccountInfo{}, f.authErr
	}
	return platform.AccountInfo{ID: "acct-1", Username: "alice"}, nil
}

func (f *fakeClient) ListUserPosts(ctx domain.Context, accountID string, limit int) ([]platform.NormalizedPost, error) {
	return nil, nil
}

func (f *fakeClient) GetPost(ctx domain.Context, postID string) (platform.NormalizedPost, error) {
	return platform.NormalizedPost{}, domain.ErrNotFound
}

func (f *fakeClient) UpdateMediaCaption(ctx domain.Context, postID, mediaID, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captionErr != nil {
		return f.captionErr
	}
	f.captionSets[postID+"/"+mediaID] = caption
	return nil
}

func (f *fakeClient) UpdatePost(ctx domain.Context, postID, content string) error { return nil }

func (f *fakeClient) RateLimitInfo(h http.Header) platform.RateLimitInfo {
	return platform.RateLimitInfo{}
}

type fakeResolver struct{ client platform.Client }

func (f *fakeResolver) ClientFor(ctx context.Context, cfg platform.ClientConfig) (platform.Client, error) {
	return f.client, nil
}
