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

func TestImageRepo_Upsert_RequiresPlatformContext(t *testing.T) {
	repo := postgres.NewImageRepo(&fakePool{})

	_, err := repo.Upsert(context.Background(), domain.Image{ImageURL: "https://cdn.example/a.jpg"})
	require.ErrorIs(t, err, domain.ErrMissingPlatformContext)
}

func TestImageRepo_Upsert_EmptyURL(t *testing.T) {
	repo := postgres.NewImageRepo(&fakePool{})

	_, err := repo.Upsert(boundCtx(), domain.Image{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestImageRepo_Upsert(t *testing.T) {
	pool := &fakePool{rows: []pgx.Row{fakeRow{scan: scanInto("img-1")}}}
	repo := postgres.NewImageRepo(pool)

	id, err := repo.Upsert(boundCtx(), domain.Image{
		PostID:   "post-row-1",
		ImageURL: "https://cdn.example/a.jpg",
		BatchID:  "01J5KQ3V9X",
	})
	require.NoError(t, err)
	assert.Equal(t, "img-1", id)
	require.Len(t, pool.querySQL, 1)
	assert.Contains(t, pool.querySQL[0], "ON CONFLICT (image_url)")
}

func TestImageRepo_SetGenerated_NotFound(t *testing.T) {
	pool := &fakePool{execTags: []pgconn.CommandTag{tagRows("0")}}
	repo := postgres.NewImageRepo(pool)

	err := repo.SetGenerated(boundCtx(), "missing", "A red bicycle.", "general", 72, false)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestImageRepo_SetGenerated(t *testing.T) {
	pool := &fakePool{execTags: []pgconn.CommandTag{tagRows("1")}}
	repo := postgres.NewImageRepo(pool)

	err := repo.SetGenerated(boundCtx(), "img-1", "A red bicycle leaning on a wall.", "general", 72, false)
	require.NoError(t, err)
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "generated_caption")
	assert.Contains(t, pool.execSQL[0], "processing_error=''")
}

func TestImageRepo_Review_RejectsNonReviewStatus(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewImageRepo(pool)

	err := repo.Review(boundCtx(), "img-1", domain.ImagePosted, "caption", "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, pool.execSQL)
}

func TestImageRepo_Review(t *testing.T) {
	pool := &fakePool{execTags: []pgconn.CommandTag{tagRows("1")}}
	repo := postgres.NewImageRepo(pool)

	err := repo.Review(boundCtx(), "img-1", domain.ImageApproved, "A red bicycle.", "tightened wording")
	require.NoError(t, err)
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "reviewed_at")
}

func TestImageRepo_MarkPosted(t *testing.T) {
	pool := &fakePool{execTags: []pgconn.CommandTag{tagRows("1")}}
	repo := postgres.NewImageRepo(pool)

	err := repo.MarkPosted(boundCtx(), "img-1", "A red bicycle.")
	require.NoError(t, err)
	assert.Contains(t, pool.execSQL[0], "posted_at")
}

func TestImageRepo_ListPending_Empty(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewImageRepo(pool)

	imgs, err := repo.ListPending(boundCtx(), 10)
	require.NoError(t, err)
	assert.Empty(t, imgs)
	require.Len(t, pool.querySQL, 1)
	assert.Contains(t, pool.querySQL[0], "status=$2")
}

func TestImageRepo_ListByBatch_RequiresPlatformContext(t *testing.T) {
	repo := postgres.NewImageRepo(&fakePool{})

	_, err := repo.ListByBatch(context.Background(), "01J5KQ3V9X")
	require.ErrorIs(t, err, domain.ErrMissingPlatformContext)
}

func TestImageRepo_Get_NotFound(t *testing.T) {
	repo := postgres.NewImageRepo(&fakePool{})

	_, err := repo.Get(boundCtx(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
