// Package metrics measures processing time and throughput over a rolling
// window of stream time. Each pipeline stage owns one Metrics instance and
// brackets its per-frame work with StartClock and EndClock.
package metrics

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

const (
	defaultWindow      = 5 * time.Second
	defaultReportEvery = 5 * time.Second
)

// Config describes one metrics instance.
type Config struct {
	Name        string
	Window      time.Duration // Rolling window in stream time. Default: 5s.
	ReportEvery time.Duration // Minimum interval between log reports. Default: 5s. Negative disables logging.
	IsFrames    bool          // Whether to compute frames per second.
}

// Tick is an in-progress measurement returned by StartClock.
type Tick struct {
	start time.Time
}

// Snapshot is the current state of a metrics window.
type Snapshot struct {
	Name    string        `json:"name"`
	Samples int           `json:"samples"`
	Average time.Duration `json:"average_ns"`
	Worst   time.Duration `json:"worst_ns"`
	FPS     float64       `json:"fps,omitempty"`
}

type entry struct {
	startTime      time.Time
	runTime        time.Duration
	frameTimestamp time.Duration
}

// Metrics accumulates timing entries within a rolling window. Safe for
// concurrent use by the workers of one stage.
type Metrics struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	entries    []entry
	snap       Snapshot
	lastReport time.Time
}

// New creates a metrics instance. Most callers should use Registry.New so the
// instance is exported alongside the others.
func New(cfg Config, logger *slog.Logger) (*Metrics, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("metrics: name is required: %w", model.ErrConfiguration)
	}
	if cfg.Window < 0 {
		return nil, fmt.Errorf("metrics: %s: window must not be negative: %w", cfg.Name, model.ErrConfiguration)
	}
	if cfg.Window == 0 {
		cfg.Window = defaultWindow
	}
	if cfg.ReportEvery == 0 {
		cfg.ReportEvery = defaultReportEvery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Metrics{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		snap:   Snapshot{Name: cfg.Name},
	}, nil
}

// Name returns the instance name.
func (m *Metrics) Name() string { return m.cfg.Name }

// StartClock begins timing one unit of work.
func (m *Metrics) StartClock() Tick {
	return Tick{start: m.now()}
}

// EndClock completes the measurement started by tick and attributes it to the
// frame at frameTimestamp. Entries whose frame timestamp falls before the
// window ending at frameTimestamp are evicted. Returns the updated snapshot.
func (m *Metrics) EndClock(tick Tick, frameTimestamp time.Duration) Snapshot {
	end := m.now()

	m.mu.Lock()
	m.entries = append(m.entries, entry{
		startTime:      tick.start,
		runTime:        end.Sub(tick.start),
		frameTimestamp: frameTimestamp,
	})

	cutoff := frameTimestamp - m.cfg.Window
	keep := m.entries[:0]
	for _, e := range m.entries {
		if e.frameTimestamp >= cutoff {
			keep = append(keep, e)
		}
	}
	clear(m.entries[len(keep):])
	m.entries = keep

	m.recompute(end)
	snap := m.snap
	report := m.cfg.ReportEvery > 0 && end.Sub(m.lastReport) >= m.cfg.ReportEvery
	if report {
		m.lastReport = end
	}
	m.mu.Unlock()

	// Logged outside the lock; the handler may do I/O.
	if report {
		m.logger.Info("metrics: "+snap.Name,
			"avg_ms", durationMillis(snap.Average),
			"worst_ms", durationMillis(snap.Worst),
			"fps", snap.FPS,
			"samples", snap.Samples,
		)
	}
	return snap
}

func (m *Metrics) recompute(now time.Time) {
	s := Snapshot{Name: m.cfg.Name, Samples: len(m.entries)}
	if len(m.entries) == 0 {
		m.snap = s
		return
	}

	var total time.Duration
	oldest := m.entries[0].startTime
	for _, e := range m.entries {
		total += e.runTime
		if e.runTime > s.Worst {
			s.Worst = e.runTime
		}
		if e.startTime.Before(oldest) {
			oldest = e.startTime
		}
	}
	s.Average = total / time.Duration(len(m.entries))

	if m.cfg.IsFrames {
		if span := now.Sub(oldest); span > 0 {
			s.FPS = float64(len(m.entries)) / span.Seconds()
		}
	}
	m.snap = s
}

// Snapshot returns the current averages without recording anything.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// TimesString renders average and worst times for human-readable overlays.
func (m *Metrics) TimesString() string {
	s := m.Snapshot()
	return fmt.Sprintf("%s times: %.2fms avg, %.2fms worst", s.Name, durationMillis(s.Average), durationMillis(s.Worst))
}

// FPSString renders the frame rate for human-readable overlays.
func (m *Metrics) FPSString() string {
	s := m.Snapshot()
	return fmt.Sprintf("%s FPS: %.2f", s.Name, s.FPS)
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
