package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/integrity"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

func openSQLite(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "frames.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSQLite_InsertAndGet(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	runID := uuid.New()

	_, err := s.LastFrameNumber(ctx, runID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	n, err := s.InsertFrames(ctx, runID, testRecords(0, 12))
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	last, err := s.LastFrameNumber(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.FrameNumber(11), last)

	got, err := s.GetFrame(ctx, runID, 5)
	require.NoError(t, err)
	assert.False(t, got.IsBasis)
	assert.Equal(t, testRecords(5, 1)[0].Timestamps, got.Timestamps)
	assert.True(t, integrity.VerifyRecordHash(got), "sqlite keeps payload text verbatim")

	_, err = s.GetFrame(ctx, runID, 40)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSQLite_DuplicateAndIdempotent(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	runID := uuid.New()

	_, err := s.InsertFrames(ctx, runID, testRecords(0, 4))
	require.NoError(t, err)

	_, err = s.InsertFrames(ctx, runID, testRecords(3, 2))
	require.Error(t, err)
	last, err := s.LastFrameNumber(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.FrameNumber(3), last, "failed batch is rolled back")

	n, err := s.InsertFramesIdempotent(ctx, runID, testRecords(3, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.db")
	ctx := context.Background()
	runID := uuid.New()

	s, err := storage.OpenSQLite(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	_, err = s.InsertFrames(ctx, runID, testRecords(0, 3))
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	s, err = storage.OpenSQLite(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close(ctx) }()
	last, err := s.LastFrameNumber(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.FrameNumber(2), last)
}
