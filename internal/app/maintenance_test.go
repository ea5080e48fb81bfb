package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

type sweepTasks struct {
	mu       sync.Mutex
	stuck    []string
	tasks    map[string]domain.CaptionGenerationTask
	requeues int
}

func (f *sweepTasks) RequeueStuck(ctx domain.Context, olderThan time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeues++
	out := f.stuck
	f.stuck = nil
	return out, nil
}

func (f *sweepTasks) Get(ctx domain.Context, id string) (domain.CaptionGenerationTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.CaptionGenerationTask{}, domain.ErrNotFound
	}
	return t, nil
}

func (f *sweepTasks) Create(ctx domain.Context, t domain.CaptionGenerationTask) (string, error) {
	return "", nil
}
func (f *sweepTasks) CompareAndSwapStatus(ctx domain.Context, id string, from, to domain.TaskStatus) (bool, error) {
	return false, nil
}
func (f *sweepTasks) ActiveForUser(ctx domain.Context, userID string) (domain.CaptionGenerationTask, error) {
	return domain.CaptionGenerationTask{}, domain.ErrNotFound
}
func (f *sweepTasks) RequestCancel(ctx domain.Context, id string) error { return nil }
func (f *sweepTasks) CancelRequested(ctx domain.Context, id string) (bool, error) {
	return false, nil
}
func (f *sweepTasks) UpdateProgress(ctx domain.Context, id string, percent int, step string) error {
	return nil
}
func (f *sweepTasks) Complete(ctx domain.Context, id string, status domain.TaskStatus, errMsg string, results *domain.GenerationResults) error {
	return nil
}
func (f *sweepTasks) ListActive(ctx domain.Context) ([]domain.CaptionGenerationTask, error) {
	return nil, nil
}
func (f *sweepTasks) ListByUser(ctx domain.Context, userID string, offset, limit int) ([]domain.CaptionGenerationTask, error) {
	return nil, nil
}
func (f *sweepTasks) DeleteTerminalOlderThan(ctx domain.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *sweepTasks) Stats(ctx domain.Context) (domain.TaskStats, error) {
	return domain.TaskStats{}, nil
}

type sweepQueue struct {
	mu       sync.Mutex
	enqueued []string
	err      error
}

func (f *sweepQueue) EnqueueCaptionTask(ctx domain.Context, payload domain.CaptionTaskPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.enqueued = append(f.enqueued, payload.TaskID)
	return payload.TaskID, nil
}

func TestStuckTaskSweeper_RequeuesAndReproduces(t *testing.T) {
	tasks := &sweepTasks{
		stuck: []string{"t1", "t2"},
		tasks: map[string]domain.CaptionGenerationTask{
			"t1": {ID: "t1", UserID: "u1", PlatformConnectionID: "c1"},
			"t2": {ID: "t2", UserID: "u2", PlatformConnectionID: "c2"},
		},
	}
	queue := &sweepQueue{}
	s := NewStuckTaskSweeper(tasks, queue, time.Minute, time.Minute)
	require.NotNil(t, s)

	s.sweepOnce(context.Background())

	assert.ElementsMatch(t, []string{"t1", "t2"}, queue.enqueued)
}

func TestStuckTaskSweeper_ProduceFailureLeavesRowQueued(t *testing.T) {
	tasks := &sweepTasks{
		stuck: []string{"t1"},
		tasks: map[string]domain.CaptionGenerationTask{
			"t1": {ID: "t1", UserID: "u1", PlatformConnectionID: "c1"},
		},
	}
	queue := &sweepQueue{err: errors.New("broker down")}
	s := NewStuckTaskSweeper(tasks, queue, time.Minute, time.Minute)

	s.sweepOnce(context.Background())
	assert.Empty(t, queue.enqueued)
}

func TestStuckTaskSweeper_NilSafe(t *testing.T) {
	assert.Nil(t, NewStuckTaskSweeper(nil, nil, 0, 0))
	var s *StuckTaskSweeper
	s.Run(context.Background()) // must not panic
}

type fakeRetention struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRetention) CleanupOldData(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeRetention) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRetentionJanitor_RunsOnInterval(t *testing.T) {
	ret := &fakeRetention{}
	j := NewRetentionJanitor(ret, 20*time.Millisecond)
	require.NotNil(t, j)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { j.Run(ctx); close(done) }()

	deadline := time.Now().Add(2 * time.Second)
	for ret.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	assert.GreaterOrEqual(t, ret.count(), 2)
}

func TestRetentionJanitor_NilSweeper(t *testing.T) {
	assert.Nil(t, NewRetentionJanitor(nil, time.Hour))
	var j *RetentionJanitor
	j.Run(context.Background()) // must not panic
}

func TestBuildReadinessChecks(t *testing.T) {
	db, redis, broker := BuildReadinessChecks(nil, nil, nil)
	assert.Error(t, db(context.Background()))
	assert.Error(t, redis(context.Background()))
	assert.Error(t, broker(context.Background()))
}
