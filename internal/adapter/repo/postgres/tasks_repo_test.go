package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedfolnir/vedfolnir/internal/adapter/repo/postgres"
	"github.com/vedfolnir/vedfolnir/internal/domain"
)

func TestTaskRepo_Create(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewTaskRepo(pool)

	id, err := repo.Create(context.Background(), domain.CaptionGenerationTask{
		UserID:               "user-1",
		PlatformConnectionID: "conn-1",
		Settings:             domain.DefaultCaptionGenerationSettings(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "INSERT INTO caption_tasks")
}

func TestTaskRepo_Create_ActiveExists(t *testing.T) {
	pool := &fakePool{execErrs: []error{uniqueErr("caption_tasks_one_active")}}
	repo := postgres.NewTaskRepo(pool)

	_, err := repo.Create(context.Background(), domain.CaptionGenerationTask{UserID: "user-1", PlatformConnectionID: "conn-1"})
	require.ErrorIs(t, err, domain.ErrTaskActiveExists)
}

func TestTaskRepo_Create_OtherUniqueViolation(t *testing.T) {
	pool := &fakePool{execErrs: []error{uniqueErr("caption_tasks_pkey")}}
	repo := postgres.NewTaskRepo(pool)

	_, err := repo.Create(context.Background(), domain.CaptionGenerationTask{UserID: "user-1", PlatformConnectionID: "conn-1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrTaskActiveExists)
}

func TestTaskRepo_CompareAndSwapStatus(t *testing.T) {
	tests := []struct {
		name    string
		from    domain.TaskStatus
		to      domain.TaskStatus
		tag     string
		want    bool
		wantErr error
	}{
		{name: "queued to running wins", from: domain.TaskQueued, to: domain.TaskRunning, tag: "1", want: true},
		{name: "lost race", from: domain.TaskQueued, to: domain.TaskRunning, tag: "0", want: false},
		{name: "running to completed", from: domain.TaskRunning, to: domain.TaskCompleted, tag: "1", want: true},
		{name: "illegal transition", from: domain.TaskCompleted, to: domain.TaskRunning, wantErr: domain.ErrInvalidArgument},
		{name: "queued to completed illegal", from: domain.TaskQueued, to: domain.TaskCompleted, wantErr: domain.ErrInvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pool := &fakePool{}
			if tc.tag != "" {
				pool.execTags = []pgconn.CommandTag{tagRows(tc.tag)}
			}
			repo := postgres.NewTaskRepo(pool)

			got, err := repo.CompareAndSwapStatus(context.Background(), "task-1", tc.from, tc.to)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				assert.Empty(t, pool.execSQL, "illegal transitions never reach the database")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTaskRepo_RequestCancel_Terminal(t *testing.T) {
	pool := &fakePool{
		execTags: []pgconn.CommandTag{tagRows("0")},
		rows:     []pgx.Row{fakeRow{scan: scanInto(domain.TaskCompleted)}},
	}
	repo := postgres.NewTaskRepo(pool)

	err := repo.RequestCancel(context.Background(), "task-1")
	require.ErrorIs(t, err, domain.ErrTaskNotCancellable)
}

func TestTaskRepo_RequestCancel_NotFound(t *testing.T) {
	pool := &fakePool{execTags: []pgconn.CommandTag{tagRows("0")}}
	repo := postgres.NewTaskRepo(pool)

	err := repo.RequestCancel(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTaskRepo_RequestCancel(t *testing.T) {
	pool := &fakePool{execTags: []pgconn.CommandTag{tagRows("1")}}
	repo := postgres.NewTaskRepo(pool)

	require.NoError(t, repo.RequestCancel(context.Background(), "task-1"))
	assert.Contains(t, pool.execSQL[0], "cancel_requested=TRUE")
}

func TestTaskRepo_UpdateProgress_Clamps(t *testing.T) {
	pool := &fakePool{execTags: []pgconn.CommandTag{tagRows("1")}}
	repo := postgres.NewTaskRepo(pool)

	require.NoError(t, repo.UpdateProgress(context.Background(), "task-1", 250, "posting captions"))
	require.Len(t, pool.execArgs, 1)
	assert.Equal(t, 100, pool.execArgs[0][1])
	assert.Contains(t, pool.execSQL[0], "GREATEST(progress_percent,$2)")
}

func TestTaskRepo_Complete_RejectsNonTerminal(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewTaskRepo(pool)

	err := repo.Complete(context.Background(), "task-1", domain.TaskRunning, "", nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, pool.execSQL)
}

func TestTaskRepo_Complete(t *testing.T) {
	pool := &fakePool{execTags: []pgconn.CommandTag{tagRows("1")}}
	repo := postgres.NewTaskRepo(pool)

	results := &domain.GenerationResults{TaskID: "task-1", CaptionsGenerated: 4}
	err := repo.Complete(context.Background(), "task-1", domain.TaskCompleted, "", results)
	require.NoError(t, err)
	assert.Contains(t, pool.execSQL[0], "completed_at")
}

func TestTaskRepo_Complete_AlreadyTerminal(t *testing.T) {
	pool := &fakePool{execTags: []pgconn.CommandTag{tagRows("0")}}
	repo := postgres.NewTaskRepo(pool)

	err := repo.Complete(context.Background(), "task-1", domain.TaskFailed, "boom", nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTaskRepo_ActiveForUser_None(t *testing.T) {
	repo := postgres.NewTaskRepo(&fakePool{})

	_, err := repo.ActiveForUser(context.Background(), "user-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTaskRepo_DeleteTerminalOlderThan(t *testing.T) {
	pool := &fakePool{execTags: []pgconn.CommandTag{pgconn.NewCommandTag("DELETE 12")}}
	repo := postgres.NewTaskRepo(pool)

	n, err := repo.DeleteTerminalOlderThan(context.Background(), time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}

func TestTaskRepo_RequeueStuck(t *testing.T) {
	pool := &fakePool{queryRes: []pgx.Rows{&fakeRows{vals: [][]any{{"task-1"}, {"task-2"}}}}}
	repo := postgres.NewTaskRepo(pool)

	ids, err := repo.RequeueStuck(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1", "task-2"}, ids)
	assert.Contains(t, pool.querySQL[0], "status='queued'")
}

func TestTaskRepo_Stats(t *testing.T) {
	pool := &fakePool{rows: []pgx.Row{fakeRow{scan: scanInto(
		int64(2), int64(1), int64(8), int64(2), int64(1), 42.5,
	)}}}
	repo := postgres.NewTaskRepo(pool)

	s, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.QueueDepth)
	assert.Equal(t, int64(8), s.CompletedTotal)
	assert.InDelta(t, 0.8, s.SuccessRate, 0.001)
	assert.InDelta(t, 42.5, s.AvgRuntimeSeconds, 0.001)
}
