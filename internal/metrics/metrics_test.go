package metrics

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMetrics(t *testing.T, cfg Config) (*Metrics, *fakeClock) {
	t.Helper()
	m, err := New(cfg, testLogger())
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.now = clock.Now
	return m, clock
}

func TestEndClockAveragesAndWorst(t *testing.T) {
	m, clock := newTestMetrics(t, Config{Name: "pose", Window: time.Second})

	for i, run := range []time.Duration{10, 30, 20} {
		tick := m.StartClock()
		clock.Advance(run * time.Millisecond)
		m.EndClock(tick, time.Duration(i)*40*time.Millisecond)
	}

	s := m.Snapshot()
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 20*time.Millisecond, s.Average)
	assert.Equal(t, 30*time.Millisecond, s.Worst)
	assert.Zero(t, s.FPS, "fps is only computed for frame metrics")
}

func TestEndClockEvictsByFrameTimestamp(t *testing.T) {
	m, clock := newTestMetrics(t, Config{Name: "capture", Window: time.Second})

	tick := m.StartClock()
	clock.Advance(100 * time.Millisecond)
	m.EndClock(tick, 0)

	tick = m.StartClock()
	clock.Advance(10 * time.Millisecond)
	m.EndClock(tick, 900*time.Millisecond)
	assert.Equal(t, 2, m.Snapshot().Samples)

	// 1.5s: the entry at 0 is older than the 1s window and is evicted.
	tick = m.StartClock()
	clock.Advance(10 * time.Millisecond)
	s := m.EndClock(tick, 1500*time.Millisecond)
	assert.Equal(t, 2, s.Samples)
	assert.Equal(t, 10*time.Millisecond, s.Worst)
}

func TestEndClockKeepsEntryExactlyAtWindowEdge(t *testing.T) {
	m, clock := newTestMetrics(t, Config{Name: "edge", Window: time.Second})

	tick := m.StartClock()
	clock.Advance(time.Millisecond)
	m.EndClock(tick, 0)

	tick = m.StartClock()
	clock.Advance(time.Millisecond)
	s := m.EndClock(tick, time.Second)
	assert.Equal(t, 2, s.Samples)
}

func TestFramesPerSecond(t *testing.T) {
	m, clock := newTestMetrics(t, Config{Name: "frames", Window: 10 * time.Second, IsFrames: true})

	// Ten frames, one every 100ms of wall time.
	var s Snapshot
	for i := range 10 {
		tick := m.StartClock()
		clock.Advance(100 * time.Millisecond)
		s = m.EndClock(tick, time.Duration(i)*100*time.Millisecond)
	}
	assert.InDelta(t, 10.0, s.FPS, 0.001)
	assert.Equal(t, "frames FPS: 10.00", m.FPSString())
	assert.Equal(t, "frames times: 100.00ms avg, 100.00ms worst", m.TimesString())
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConfiguration))

	_, err = New(Config{Name: "x", Window: -time.Second}, nil)
	assert.True(t, errors.Is(err, model.ErrConfiguration))
}

func TestRegistryUniqueNamesAndSnapshots(t *testing.T) {
	r := NewRegistry(testLogger())

	b, err := r.New(Config{Name: "b"})
	require.NoError(t, err)
	_, err = r.New(Config{Name: "a"})
	require.NoError(t, err)

	_, err = r.New(Config{Name: "b"})
	assert.True(t, errors.Is(err, model.ErrConfiguration))

	got, ok := r.Get("b")
	require.True(t, ok)
	assert.Same(t, b, got)

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Name)
	assert.Equal(t, "b", snaps[1].Name)

	require.NoError(t, r.RegisterGauges())
}

func TestConcurrentEndClock(t *testing.T) {
	m, err := New(Config{Name: "workers", IsFrames: true}, testLogger())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				tick := m.StartClock()
				m.EndClock(tick, time.Duration(w*100+i)*time.Millisecond)
			}
		}()
	}
	wg.Wait()
	assert.Positive(t, m.Snapshot().Samples)
}

// callbackHandler runs fn for every record it handles.
type callbackHandler struct{ fn func(slog.Record) }

func (h callbackHandler) Enabled(context.Context, slog.Level) bool      { return true }
func (h callbackHandler) Handle(_ context.Context, r slog.Record) error { h.fn(r); return nil }
func (h callbackHandler) WithAttrs([]slog.Attr) slog.Handler            { return h }
func (h callbackHandler) WithGroup(string) slog.Handler                 { return h }

func TestReportIsLoggedOutsideTheLock(t *testing.T) {
	var (
		m       *Metrics
		reports []Snapshot
	)
	logger := slog.New(callbackHandler{fn: func(slog.Record) {
		// A handler that reads the metrics back must not deadlock.
		reports = append(reports, m.Snapshot())
	}})
	m, err := New(Config{Name: "pose", ReportEvery: time.Second}, logger)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.now = clock.Now

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 3 {
			tick := m.StartClock()
			clock.Advance(600 * time.Millisecond)
			m.EndClock(tick, time.Duration(i)*40*time.Millisecond)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("EndClock blocked while reporting")
	}

	require.Len(t, reports, 2, "reports are rate limited to one per second")
	assert.Equal(t, 1, reports[0].Samples)
	assert.Equal(t, 3, reports[1].Samples)
}
