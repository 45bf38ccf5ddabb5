package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

type fakeStore struct {
	mu         sync.Mutex
	frames     []model.FrameNumber
	failures   int // remaining InsertFrames calls that fail
	idempotent int
	block      chan struct{} // when non-nil, inserts wait on it
	closed     bool
}

func (s *fakeStore) insert(ctx context.Context, recs []*model.Record) (int64, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return 0, errors.New("connection reset")
	}
	for _, r := range recs {
		s.frames = append(s.frames, r.FrameNumber)
	}
	return int64(len(recs)), nil
}

func (s *fakeStore) InsertFrames(ctx context.Context, _ uuid.UUID, recs []*model.Record) (int64, error) {
	return s.insert(ctx, recs)
}

func (s *fakeStore) InsertFramesIdempotent(ctx context.Context, _ uuid.UUID, recs []*model.Record) (int64, error) {
	s.mu.Lock()
	s.idempotent++
	s.mu.Unlock()
	return s.insert(ctx, recs)
}

func (s *fakeStore) LastFrameNumber(context.Context, uuid.UUID) (model.FrameNumber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return 0, ErrNotFound
	}
	return s.frames[len(s.frames)-1], nil
}

func (s *fakeStore) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStore) stored() []model.FrameNumber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.FrameNumber(nil), s.frames...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func rec(n int) *model.Record {
	return &model.Record{FrameNumber: model.FrameNumber(n), Payload: map[string]json.RawMessage{}}
}

func frames(from, to int) []model.FrameNumber {
	var out []model.FrameNumber
	for i := from; i < to; i++ {
		out = append(out, model.FrameNumber(i))
	}
	return out
}

func TestNewBufferValidates(t *testing.T) {
	_, err := NewBuffer(nil, testLogger(), BufferConfig{RunID: uuid.New()})
	assert.ErrorIs(t, err, model.ErrConfiguration)
	_, err = NewBuffer(&fakeStore{}, testLogger(), BufferConfig{})
	assert.ErrorIs(t, err, model.ErrConfiguration)
	_, err = NewBuffer(&fakeStore{}, testLogger(), BufferConfig{RunID: uuid.New(), MaxSize: 10, Capacity: 5})
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestBufferDoubleStartIsNoop(t *testing.T) {
	buf, err := NewBuffer(&fakeStore{}, testLogger(), BufferConfig{RunID: uuid.New(), FlushTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf.Start(ctx)
	buf.Start(ctx)
	if !buf.started.Load() {
		t.Fatal("expected started to be true after Start()")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)
}

func TestBufferFlushesBySize(t *testing.T) {
	store := &fakeStore{}
	buf, err := NewBuffer(store, testLogger(), BufferConfig{RunID: uuid.New(), MaxSize: 5, FlushTimeout: time.Hour})
	require.NoError(t, err)
	buf.Start(context.Background())
	defer buf.Drain(context.Background())

	for i := range 5 {
		require.NoError(t, buf.Write(context.Background(), rec(i), nil))
	}
	require.Eventually(t, func() bool { return len(store.stored()) == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, buf.Len())
}

func TestBufferFlushesByTimeout(t *testing.T) {
	store := &fakeStore{}
	buf, err := NewBuffer(store, testLogger(), BufferConfig{RunID: uuid.New(), MaxSize: 100, FlushTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	buf.Start(context.Background())
	defer buf.Drain(context.Background())

	require.NoError(t, buf.Write(context.Background(), rec(0), nil))
	require.Eventually(t, func() bool { return len(store.stored()) == 1 }, time.Second, time.Millisecond)
}

func TestBufferRetriesIdempotentlyAfterFailure(t *testing.T) {
	store := &fakeStore{failures: 2}
	buf, err := NewBuffer(store, testLogger(), BufferConfig{RunID: uuid.New(), MaxSize: 3, FlushTimeout: 5 * time.Millisecond})
	require.NoError(t, err)
	buf.Start(context.Background())
	defer buf.Drain(context.Background())

	for i := range 6 {
		require.NoError(t, buf.Write(context.Background(), rec(i), nil))
	}
	require.Eventually(t, func() bool { return len(store.stored()) == 6 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, frames(0, 6), store.stored(), "order survives retries")
	assert.Equal(t, int64(2), buf.FlushErrors())
	assert.Equal(t, "connection reset", buf.LastFlushError())
	store.mu.Lock()
	assert.GreaterOrEqual(t, store.idempotent, 1)
	store.mu.Unlock()
}

func TestBufferBlocksAtCapacity(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	buf, err := NewBuffer(store, testLogger(), BufferConfig{
		RunID: uuid.New(), MaxSize: 2, Capacity: 2, FlushTimeout: time.Hour, BlockTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	buf.Start(context.Background())

	// The first batch is taken by the flush loop, which then blocks in the store.
	require.NoError(t, buf.Write(context.Background(), rec(0), nil))
	require.NoError(t, buf.Write(context.Background(), rec(1), nil))
	require.Eventually(t, func() bool { return buf.Len() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, buf.Write(context.Background(), rec(2), nil))
	require.NoError(t, buf.Write(context.Background(), rec(3), nil))

	wrote := make(chan error, 1)
	go func() { wrote <- buf.Write(context.Background(), rec(4), nil) }()

	select {
	case <-wrote:
		t.Fatal("write must block while the buffer is at capacity")
	case <-time.After(30 * time.Millisecond):
	}

	close(store.block)
	select {
	case err := <-wrote:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write did not resume after a flush")
	}

	buf.Drain(context.Background())
	assert.Equal(t, frames(0, 5), store.stored())
}

func TestBufferWriteTimesOut(t *testing.T) {
	store := &fakeStore{failures: 1 << 30}
	buf, err := NewBuffer(store, testLogger(), BufferConfig{
		RunID: uuid.New(), MaxSize: 1, Capacity: 1, FlushTimeout: time.Millisecond, BlockTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	buf.Start(context.Background())

	require.NoError(t, buf.Write(context.Background(), rec(0), nil))
	require.Eventually(t, func() bool { return buf.FlushErrors() > 0 }, time.Second, time.Millisecond)
	err = buf.Write(context.Background(), rec(1), nil)
	assert.ErrorIs(t, err, ErrBufferFull)

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = buf.Close(drainCtx)
	require.Error(t, err, "unpersisted records are reported")
	assert.True(t, store.closed)
}

func TestBufferDrainFlushesRemainder(t *testing.T) {
	store := &fakeStore{}
	buf, err := NewBuffer(store, testLogger(), BufferConfig{RunID: uuid.New(), MaxSize: 100, FlushTimeout: time.Hour})
	require.NoError(t, err)
	buf.Start(context.Background())

	for i := range 7 {
		require.NoError(t, buf.Write(context.Background(), rec(i), nil))
	}
	require.NoError(t, buf.Close(context.Background()))
	assert.Equal(t, frames(0, 7), store.stored())
	assert.True(t, store.closed)
}

func TestBufferCloseWithoutStart(t *testing.T) {
	store := &fakeStore{}
	buf, err := NewBuffer(store, testLogger(), BufferConfig{RunID: uuid.New()})
	require.NoError(t, err)
	require.NoError(t, buf.Write(context.Background(), rec(0), nil))
	require.NoError(t, buf.Close(context.Background()))
	assert.Equal(t, frames(0, 1), store.stored())
}
