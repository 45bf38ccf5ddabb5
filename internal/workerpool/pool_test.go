package workerpool

import (
	"context"
	"errors"
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewValidatesConfig(t *testing.T) {
	noop := func(context.Context) (bool, error) { return false, nil }
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing name", Config{Workers: 1, Handler: noop}},
		{"zero workers", Config{Name: "p", Handler: noop}},
		{"missing handler", Config{Name: "p", Workers: 1}},
		{"inverted backoff", Config{Name: "p", Workers: 1, Handler: noop, MinBackoff: time.Second, MaxBackoff: time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, model.ErrConfiguration)
		})
	}
}

func TestWorkersProcessAllItems(t *testing.T) {
	var remaining atomic.Int64
	remaining.Store(1000)
	var processed atomic.Int64
	var inits, deinits atomic.Int32

	p, err := New(Config{
		Name:    "drain",
		Workers: 4,
		Logger:  testLogger(),
		Handler: func(context.Context) (bool, error) {
			if remaining.Add(-1) < 0 {
				return false, nil
			}
			processed.Add(1)
			return true, nil
		},
		Initializer:   func(int) error { inits.Add(1); return nil },
		Deinitializer: func(int) { deinits.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool { return processed.Load() == 1000 }, 2*time.Second, time.Millisecond)
	p.Stop()

	assert.Equal(t, int32(4), inits.Load())
	assert.Equal(t, int32(4), deinits.Load())
	st := p.Stats()
	assert.Equal(t, "drain", st.Name)
	assert.GreaterOrEqual(t, st.Iterations, int64(1000))
}

func TestStartTwiceIsUsageError(t *testing.T) {
	p, err := New(Config{Name: "p", Workers: 1, Handler: func(context.Context) (bool, error) { return false, nil }})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()
	assert.ErrorIs(t, p.Start(context.Background()), model.ErrUsage)
}

func TestStopIsIdempotentAndConcurrent(t *testing.T) {
	p, err := New(Config{
		Name:       "stop",
		Workers:    3,
		MinBackoff: time.Hour,
		MaxBackoff: time.Hour,
		Handler:    func(context.Context) (bool, error) { return false, nil },
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	// Workers are asleep for an hour; Stop must wake them.
	done := make(chan struct{})
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Stop()
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	p.Stop()
}

func TestStopBeforeStart(t *testing.T) {
	p, err := New(Config{Name: "p", Workers: 1, Handler: func(context.Context) (bool, error) { return false, nil }})
	require.NoError(t, err)
	p.Stop()
}

func TestWakeInterruptsBackoff(t *testing.T) {
	var calls atomic.Int64
	p, err := New(Config{
		Name:       "wake",
		Workers:    1,
		MinBackoff: time.Hour,
		MaxBackoff: time.Hour,
		Handler: func(context.Context) (bool, error) {
			calls.Add(1)
			return false, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	p.Wake()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestBackoffGrowsWhileIdle(t *testing.T) {
	var calls atomic.Int64
	p, err := New(Config{
		Name:       "idle",
		Workers:    1,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 40 * time.Millisecond,
		Handler: func(context.Context) (bool, error) {
			calls.Add(1)
			return false, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	time.Sleep(300 * time.Millisecond)
	p.Stop()

	// Sleeps of 10, 20, 40, 40, ... ms allow at most ~10 calls in 300ms;
	// a worker without backoff would spin thousands of times.
	n := calls.Load()
	assert.GreaterOrEqual(t, n, int64(4))
	assert.LessOrEqual(t, n, int64(12))
	assert.Equal(t, n, p.Stats().Idle)
}

func TestPauseAndResume(t *testing.T) {
	var calls atomic.Int64
	p, err := New(Config{
		Name:       "pause",
		Workers:    2,
		MinBackoff: time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
		Handler: func(context.Context) (bool, error) {
			calls.Add(1)
			return true, nil
		},
	})
	require.NoError(t, err)
	p.SetPaused(true)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, calls.Load(), "paused pool must not call the handler")
	assert.True(t, p.Stats().Paused)

	p.SetPaused(false)
	require.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, time.Millisecond)
}

func TestHandlerErrorStopsWorkerAndReports(t *testing.T) {
	boom := errors.New("boom")
	reported := make(chan error, 1)
	p, err := New(Config{
		Name:    "fail",
		Workers: 1,
		Logger:  testLogger(),
		Handler: func(context.Context) (bool, error) { return false, boom },
		OnError: func(err error) { reported <- err },
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	select {
	case err := <-reported:
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "fail")
	case <-time.After(time.Second):
		t.Fatal("error not reported")
	}
	assert.Equal(t, int64(1), p.Stats().Errors)
}

func TestInitializerErrorReported(t *testing.T) {
	reported := make(chan error, 2)
	p, err := New(Config{
		Name:        "init",
		Workers:     2,
		Logger:      testLogger(),
		Handler:     func(context.Context) (bool, error) { return true, nil },
		Initializer: func(w int) error { return errors.New("no model") },
		OnError:     func(err error) { reported <- err },
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	p.Stop()
	assert.Len(t, reported, 2)
}

func TestHandlerSeesCancelledContextOnStop(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once
	p, err := New(Config{
		Name:    "ctx",
		Workers: 1,
		Handler: func(ctx context.Context) (bool, error) {
			once.Do(func() { close(entered) })
			<-ctx.Done()
			return false, ctx.Err()
		},
		OnError: func(err error) { t.Errorf("cancellation during stop must not be reported: %v", err) },
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	<-entered
	p.Stop()
}
