package frameserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/kansoku/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func rawAt(i int) model.RawFrame {
	start := time.Duration(i) * 40 * time.Millisecond
	return model.RawFrame{
		Data:       []byte{byte(i)},
		Width:      1,
		Height:     1,
		Timestamps: model.Timestamps{Start: start, EstimatedEnd: start + 40*time.Millisecond},
	}
}

// recorder captures the order in which status events are delivered.
type recorder struct {
	mu     sync.Mutex
	events map[model.FrameNumber][]model.Status
}

func newRecorder(s *Server) *recorder {
	r := &recorder{events: make(map[model.FrameNumber][]model.Status)}
	for i := range model.StatusCount {
		status := model.Status(i)
		s.OnStatusChange(status, func(_ context.Context, f *WorkingFrame) {
			r.mu.Lock()
			r.events[f.Number()] = append(r.events[f.Number()], status)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) get(n model.FrameNumber) []model.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Status(nil), r.events[n]...)
}

var allStatuses = []model.Status{
	model.StatusCapturing,
	model.StatusAnalyzing,
	model.StatusLateProcessing,
	model.StatusCompleted,
	model.StatusDrained,
}

func TestInsertAssignsGaplessNumbers(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.RegisterCheckpoint(model.StatusCapturing, "hold"))

	for i := range 5 {
		n, err := s.InsertFrame(rawAt(i))
		require.NoError(t, err)
		assert.Equal(t, model.FrameNumber(i), n)
	}
	st := s.Stats()
	assert.Equal(t, int64(5), st.Inserted)
	assert.Equal(t, 5, st.ByStatus[model.StatusCapturing])
	require.NotNil(t, st.Oldest)
	assert.Equal(t, model.FrameNumber(0), *st.Oldest)
}

func TestFrameWithoutCheckpointsPassesStraightThrough(t *testing.T) {
	s := New(testLogger())
	rec := newRecorder(s)

	n, err := s.InsertFrame(rawAt(0))
	require.NoError(t, err)

	assert.Equal(t, allStatuses, rec.get(n))
	_, err = s.GetFrame(n)
	assert.ErrorIs(t, err, ErrUnknownFrame, "frame is evicted after reaching drained")
	assert.Equal(t, int64(1), s.Stats().Evicted)
}

func TestCheckpointsGateAdvancement(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, "pose"))
	require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, "face"))
	rec := newRecorder(s)

	n, err := s.InsertFrame(rawAt(0))
	require.NoError(t, err)
	status, ok := s.FrameStatus(n)
	require.True(t, ok)
	assert.Equal(t, model.StatusAnalyzing, status)
	assert.Equal(t, allStatuses[:2], rec.get(n))

	require.NoError(t, s.SatisfyCheckpoint(context.Background(), n, model.StatusAnalyzing, "pose"))
	status, _ = s.FrameStatus(n)
	assert.Equal(t, model.StatusAnalyzing, status, "one checkpoint outstanding")

	require.NoError(t, s.SatisfyCheckpoint(context.Background(), n, model.StatusAnalyzing, "face"))
	assert.Equal(t, allStatuses, rec.get(n))
	_, ok = s.FrameStatus(n)
	assert.False(t, ok)
}

func TestSatisfyFutureStatusAheadOfTime(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, "pose"))
	require.NoError(t, s.RegisterCheckpoint(model.StatusCompleted, "flushed"))

	n, err := s.InsertFrame(rawAt(0))
	require.NoError(t, err)

	require.NoError(t, s.SatisfyCheckpoint(context.Background(), n, model.StatusCompleted, "flushed"))
	status, _ := s.FrameStatus(n)
	assert.Equal(t, model.StatusAnalyzing, status, "future satisfaction must not skip the current status")

	require.NoError(t, s.SatisfyCheckpoint(context.Background(), n, model.StatusAnalyzing, "pose"))
	_, ok := s.FrameStatus(n)
	assert.False(t, ok, "frame should run through to drained")
}

func TestSatisfyErrors(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, "pose"))
	require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, "face"))
	require.NoError(t, s.RegisterCheckpoint(model.StatusCapturing, "accepted"))

	n, err := s.InsertFrame(rawAt(0))
	require.NoError(t, err)

	tests := []struct {
		name   string
		frame  model.FrameNumber
		status model.Status
		cp     string
	}{
		{"unknown frame", 99, model.StatusAnalyzing, "pose"},
		{"unregistered checkpoint", n, model.StatusAnalyzing, "gaze"},
		{"wrong status for checkpoint", n, model.StatusLateProcessing, "pose"},
		{"terminal status", n, model.StatusDrained, "pose"},
		{"invalid status", n, model.Status(42), "pose"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.SatisfyCheckpoint(context.Background(), tt.frame, tt.status, tt.cp)
			assert.ErrorIs(t, err, model.ErrUsage)
		})
	}

	require.NoError(t, s.SatisfyCheckpoint(context.Background(), n, model.StatusAnalyzing, "pose"))
	err = s.SatisfyCheckpoint(context.Background(), n, model.StatusAnalyzing, "pose")
	assert.ErrorIs(t, err, model.ErrUsage, "duplicate satisfy")

	require.NoError(t, s.SatisfyCheckpoint(context.Background(), n, model.StatusCapturing, "accepted"))
	err = s.SatisfyCheckpoint(context.Background(), n, model.StatusCapturing, "accepted")
	assert.ErrorIs(t, err, model.ErrUsage, "satisfy for a status already left")
}

func TestRegisterCheckpointErrors(t *testing.T) {
	s := New(testLogger())

	assert.ErrorIs(t, s.RegisterCheckpoint(model.StatusDrained, "x"), model.ErrConfiguration)
	assert.ErrorIs(t, s.RegisterCheckpoint(model.Status(-1), "x"), model.ErrConfiguration)
	assert.ErrorIs(t, s.RegisterCheckpoint(model.StatusAnalyzing, ""), model.ErrConfiguration)

	require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, "pose"))
	assert.ErrorIs(t, s.RegisterCheckpoint(model.StatusAnalyzing, "pose"), model.ErrConfiguration)

	for i := 1; i < MaxCheckpointsPerStatus; i++ {
		require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, fmt.Sprintf("cp%d", i)))
	}
	assert.ErrorIs(t, s.RegisterCheckpoint(model.StatusAnalyzing, "one-too-many"), model.ErrConfiguration)
	assert.Len(t, s.Checkpoints(model.StatusAnalyzing), MaxCheckpointsPerStatus)

	_, err := s.InsertFrame(rawAt(0))
	require.NoError(t, err)
	assert.ErrorIs(t, s.RegisterCheckpoint(model.StatusCapturing, "late"), model.ErrConfiguration)
	assert.ErrorIs(t, s.RegisterCheckpoint(model.StatusAnalyzing, "late"), model.ErrConfiguration)
	assert.NoError(t, s.RegisterCheckpoint(model.StatusLateProcessing, "late"), "no frame has reached late processing")
}

func TestFullCheckpointMaskAdvances(t *testing.T) {
	s := New(testLogger())
	for i := range MaxCheckpointsPerStatus {
		require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, fmt.Sprintf("cp%d", i)))
	}
	n, err := s.InsertFrame(rawAt(0))
	require.NoError(t, err)
	for i := range MaxCheckpointsPerStatus {
		status, ok := s.FrameStatus(n)
		require.True(t, ok)
		require.Equal(t, model.StatusAnalyzing, status)
		require.NoError(t, s.SatisfyCheckpoint(context.Background(), n, model.StatusAnalyzing, fmt.Sprintf("cp%d", i)))
	}
	_, ok := s.FrameStatus(n)
	assert.False(t, ok)
}

func TestCheckoutClaimsLowestFrameOnce(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.RegisterCheckpoint(model.StatusCapturing, "accepted"))
	require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, "pose"))
	require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, "face"))

	for i := range 3 {
		_, err := s.InsertFrame(rawAt(i))
		require.NoError(t, err)
	}

	f, err := s.Checkout(model.StatusAnalyzing, "pose")
	require.NoError(t, err)
	assert.Nil(t, f, "no frame has reached analyzing yet")

	require.NoError(t, s.SatisfyCheckpoint(context.Background(), 1, model.StatusCapturing, "accepted"))
	require.NoError(t, s.SatisfyCheckpoint(context.Background(), 0, model.StatusCapturing, "accepted"))

	f, err = s.Checkout(model.StatusAnalyzing, "pose")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, model.FrameNumber(0), f.Number())

	f, err = s.Checkout(model.StatusAnalyzing, "pose")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, model.FrameNumber(1), f.Number())

	f, err = s.Checkout(model.StatusAnalyzing, "pose")
	require.NoError(t, err)
	assert.Nil(t, f, "both analyzing frames are claimed for pose")

	f, err = s.Checkout(model.StatusAnalyzing, "face")
	require.NoError(t, err)
	require.NotNil(t, f, "claims are per checkpoint")
	assert.Equal(t, model.FrameNumber(0), f.Number())

	_, err = s.Checkout(model.StatusAnalyzing, "gaze")
	assert.ErrorIs(t, err, model.ErrUsage)
}

func TestReentrantSatisfyFromHandler(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.RegisterCheckpoint(model.StatusCapturing, "accepted"))
	require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, "pose"))
	rec := newRecorder(s)

	s.OnStatusChange(model.StatusCapturing, func(ctx context.Context, f *WorkingFrame) {
		require.NoError(t, s.SatisfyCheckpoint(ctx, f.Number(), model.StatusCapturing, "accepted"))
	})
	s.OnStatusChange(model.StatusAnalyzing, func(ctx context.Context, f *WorkingFrame) {
		require.NoError(t, s.SatisfyCheckpoint(ctx, f.Number(), model.StatusAnalyzing, "pose"))
	})

	n, err := s.InsertFrame(rawAt(0))
	require.NoError(t, err)
	assert.Equal(t, allStatuses, rec.get(n))
	assert.True(t, s.Stats().InFlight == 0)
}

func TestSatisfyWaitsForHandlersOnAnotherGoroutine(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, "x"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var lateRan atomic.Bool
	s.OnStatusChange(model.StatusAnalyzing, func(context.Context, *WorkingFrame) {
		close(entered)
		<-release
	})
	s.OnStatusChange(model.StatusLateProcessing, func(context.Context, *WorkingFrame) {
		lateRan.Store(true)
	})

	inserted := make(chan error, 1)
	go func() {
		_, err := s.InsertFrame(rawAt(0))
		inserted <- err
	}()
	<-entered

	satisfied := make(chan bool, 1)
	go func() {
		if err := s.SatisfyCheckpoint(context.Background(), 0, model.StatusAnalyzing, "x"); err != nil {
			t.Error(err)
		}
		satisfied <- lateRan.Load()
	}()

	select {
	case <-satisfied:
		t.Fatal("SatisfyCheckpoint returned while the analyzing handler was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case ran := <-satisfied:
		assert.True(t, ran, "late processing handlers run before SatisfyCheckpoint returns")
	case <-time.After(2 * time.Second):
		t.Fatal("SatisfyCheckpoint did not return after the handler finished")
	}
	require.NoError(t, <-inserted)
	_, ok := s.FrameStatus(0)
	assert.False(t, ok, "frame ran through to drained")
}

func TestSatisfyWaitHonoursContext(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, "x"))

	entered := make(chan struct{})
	release := make(chan struct{})
	s.OnStatusChange(model.StatusAnalyzing, func(context.Context, *WorkingFrame) {
		close(entered)
		<-release
	})

	inserted := make(chan error, 1)
	go func() {
		_, err := s.InsertFrame(rawAt(0))
		inserted <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.SatisfyCheckpoint(ctx, 0, model.StatusAnalyzing, "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-inserted)
	_, ok := s.FrameStatus(0)
	assert.False(t, ok, "the satisfaction was recorded and delivered by the inserter")
}

func TestCheckoutSkipsFramesAtOtherStatuses(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, "pose"))
	require.NoError(t, s.RegisterCheckpoint(model.StatusLateProcessing, "events"))

	for i := range 5 {
		_, err := s.InsertFrame(rawAt(i))
		require.NoError(t, err)
	}
	// Frame 0 stays in analyzing; 3 and 1 move on, out of order.
	ctx := context.Background()
	require.NoError(t, s.SatisfyCheckpoint(ctx, 3, model.StatusAnalyzing, "pose"))
	require.NoError(t, s.SatisfyCheckpoint(ctx, 1, model.StatusAnalyzing, "pose"))

	st := s.Stats()
	assert.Equal(t, 3, st.ByStatus[model.StatusAnalyzing])
	assert.Equal(t, 2, st.ByStatus[model.StatusLateProcessing])

	var got []model.FrameNumber
	for {
		f, err := s.Checkout(model.StatusLateProcessing, "events")
		require.NoError(t, err)
		if f == nil {
			break
		}
		got = append(got, f.Number())
	}
	assert.Equal(t, []model.FrameNumber{1, 3}, got)

	f, err := s.Checkout(model.StatusAnalyzing, "pose")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, model.FrameNumber(0), f.Number())

	require.NoError(t, s.SatisfyCheckpoint(ctx, 1, model.StatusLateProcessing, "events"))
	st = s.Stats()
	assert.Equal(t, 1, st.ByStatus[model.StatusLateProcessing])
	assert.Equal(t, int64(1), st.Evicted)
	assert.Equal(t, model.FrameNumber(5), s.NextFrame())
}

func TestDraining(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, "pose"))

	n, err := s.InsertFrame(rawAt(0))
	require.NoError(t, err)
	assert.False(t, s.IsDrained(), "not draining yet")

	s.SetDraining()
	s.SetDraining()
	assert.True(t, s.IsDraining())
	_, err = s.InsertFrame(rawAt(1))
	assert.ErrorIs(t, err, model.ErrDraining)
	assert.False(t, s.IsDrained(), "frame still in flight")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	err = s.WaitDrained(ctx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- s.WaitDrained(context.Background()) }()

	require.NoError(t, s.SatisfyCheckpoint(context.Background(), n, model.StatusAnalyzing, "pose"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitDrained did not return after the last frame was evicted")
	}
	assert.True(t, s.IsDrained())
	assert.True(t, s.Stats().Drained)
}

func TestDrainedWithNoFrames(t *testing.T) {
	s := New(testLogger())
	s.SetDraining()
	assert.True(t, s.IsDrained())
	assert.NoError(t, s.WaitDrained(context.Background()))
}

func TestConcurrentStagesPreserveStatusOrder(t *testing.T) {
	s := New(testLogger())
	stages := []string{"pose", "face", "gaze", "hands"}
	for _, name := range stages {
		require.NoError(t, s.RegisterCheckpoint(model.StatusAnalyzing, name))
	}
	require.NoError(t, s.RegisterCheckpoint(model.StatusLateProcessing, "events"))
	rec := newRecorder(s)

	const frames = 200
	for i := range frames {
		_, err := s.InsertFrame(rawAt(i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, name := range stages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				f, err := s.Checkout(model.StatusAnalyzing, name)
				if err != nil {
					t.Error(err)
					return
				}
				if f == nil {
					if s.Stats().ByStatus[model.StatusAnalyzing] == 0 {
						return
					}
					time.Sleep(time.Millisecond)
					continue
				}
				Update(f, name, func(v *int) { *v = int(f.Number()) })
				if err := s.SatisfyCheckpoint(context.Background(), f.Number(), model.StatusAnalyzing, name); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := frames - 1; i >= 0; i-- {
			if err := s.SatisfyCheckpoint(context.Background(), model.FrameNumber(i), model.StatusLateProcessing, "events"); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	wg.Wait()

	s.SetDraining()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitDrained(ctx))

	for i := range frames {
		assert.Equal(t, allStatuses, rec.get(model.FrameNumber(i)), "frame %d", i)
	}
}

func TestFrameBuffers(t *testing.T) {
	f := newWorkingFrame(3, rawAt(3))
	assert.Equal(t, model.FrameNumber(3), f.Number())
	assert.Equal(t, 120*time.Millisecond, f.Timestamps().Start)

	_, ok := Load[[]string](f, "labels")
	assert.False(t, ok)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Update(f, "labels", func(v *[]string) { *v = append(*v, fmt.Sprint(i)) })
		}()
	}
	wg.Wait()

	labels, ok := Load[[]string](f, "labels")
	require.True(t, ok)
	assert.Len(t, labels, 50)

	assert.Panics(t, func() { Update(f, "labels", func(*int) {}) })
}

func TestErrUnknownFrameIsUsage(t *testing.T) {
	assert.True(t, errors.Is(ErrUnknownFrame, model.ErrUsage))
}
