package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/tilesweep/internal/domain"
	errpkg "github.com/veranemoloko/tilesweep/internal/errors"
)

func TestProgressStorage_SaveAndGet(t *testing.T) {
	file := filepath.Join(t.TempDir(), "state.json")
	repo, err := NewProgressStorage(file)
	require.NoError(t, err)

	_, err = repo.GetProgress(context.Background(), "alps")
	assert.ErrorIs(t, err, errpkg.ErrJobNotFound)

	rec := &domain.ProgressRecord{
		Job:        "alps",
		Cursor:     domain.TileCoord{Z: 7, X: 68, Y: 45},
		Generation: 2,
		Status:     domain.StatusRunning,
	}
	require.NoError(t, repo.SaveProgress(context.Background(), rec))
	assert.False(t, rec.UpdatedAt.IsZero())

	got, err := repo.GetProgress(context.Background(), "alps")
	require.NoError(t, err)
	assert.Equal(t, rec.Cursor, got.Cursor)
	assert.Equal(t, 2, got.Generation)

	got.Cursor.X = 99
	again, err := repo.GetProgress(context.Background(), "alps")
	require.NoError(t, err)
	assert.Equal(t, uint32(68), again.Cursor.X, "returned records must be copies")
}

func TestProgressStorage_RestoresFromFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "state.json")
	repo, err := NewProgressStorage(file)
	require.NoError(t, err)

	session := uuid.New()
	require.NoError(t, repo.SaveProgress(context.Background(), &domain.ProgressRecord{
		Job:    "b",
		Cursor: domain.TileCoord{Z: 3, X: 1, Y: 2},
		Status: domain.StatusSweepComplete,
	}))
	require.NoError(t, repo.SaveProgress(context.Background(), &domain.ProgressRecord{Job: "a"}))
	require.NoError(t, repo.SaveSchedulerState(context.Background(), domain.SchedulerState{
		CurrentJob: "b",
		SessionID:  session,
	}))

	_, err = os.Stat(file + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file must be renamed away")

	reopened, err := NewProgressStorage(file)
	require.NoError(t, err)

	st, err := reopened.GetSchedulerState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", st.CurrentJob)
	assert.Equal(t, session, st.SessionID)

	all, err := reopened.ListProgress(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Job)
	assert.Equal(t, "b", all[1].Job)
	assert.Equal(t, domain.StatusSweepComplete, all[1].Status)
}

func TestProgressStorage_EmptyAndCorruptFile(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	_, err := NewProgressStorage(empty)
	assert.NoError(t, err)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0644))
	_, err = NewProgressStorage(corrupt)
	assert.Error(t, err)
}

func TestProgressStorage_CancelledContext(t *testing.T) {
	repo, err := NewProgressStorage(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, repo.SaveProgress(ctx, &domain.ProgressRecord{Job: "x"}), context.Canceled)
	_, err = repo.ListProgress(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
