package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ashita-ai/kansoku/internal/framelog"
	"github.com/ashita-ai/kansoku/internal/model"
)

// Source produces raw frames in stream order. Next returns io.EOF once the
// stream has ended.
type Source interface {
	Next(ctx context.Context) (model.RawFrame, error)
}

// SyntheticConfig configures a Synthetic source.
type SyntheticConfig struct {
	FPS      float64       // Required.
	Count    int           // Frames to produce. Zero means no count limit.
	Duration time.Duration // Stream length. Zero means no duration limit.
	Realtime bool          // Pace frames against the wall clock.
	Width    int
	Height   int
}

// Synthetic generates frames on a fixed clock. Timestamps depend only on the
// frame index, so two runs with the same config produce identical streams.
type Synthetic struct {
	cfg    SyntheticConfig
	period time.Duration
	n      int
	start  time.Time
}

// NewSynthetic validates cfg and creates the source.
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("capture: synthetic fps must be positive, got %g: %w", cfg.FPS, model.ErrConfiguration)
	}
	if cfg.Count < 0 || cfg.Duration < 0 {
		return nil, fmt.Errorf("capture: synthetic limits must not be negative: %w", model.ErrConfiguration)
	}
	if cfg.Width < 0 || cfg.Height < 0 {
		return nil, fmt.Errorf("capture: synthetic size %dx%d: %w", cfg.Width, cfg.Height, model.ErrConfiguration)
	}
	return &Synthetic{
		cfg:    cfg,
		period: time.Duration(float64(time.Second) / cfg.FPS),
	}, nil
}

// Next returns the next frame, sleeping until its start time when pacing.
func (s *Synthetic) Next(ctx context.Context) (model.RawFrame, error) {
	if s.cfg.Count > 0 && s.n >= s.cfg.Count {
		return model.RawFrame{}, io.EOF
	}
	ts := model.Timestamps{
		Start:        time.Duration(s.n) * s.period,
		EstimatedEnd: time.Duration(s.n+1) * s.period,
	}
	if s.cfg.Duration > 0 && ts.Start >= s.cfg.Duration {
		return model.RawFrame{}, io.EOF
	}

	if s.cfg.Realtime {
		if s.start.IsZero() {
			s.start = time.Now()
		}
		if wait := time.Until(s.start.Add(ts.Start)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return model.RawFrame{}, ctx.Err()
			case <-timer.C:
			}
		}
	}

	var data []byte
	if size := s.cfg.Width * s.cfg.Height; size > 0 {
		data = make([]byte, size)
		for i := range data {
			data[i] = byte(s.n)
		}
	}
	s.n++
	return model.RawFrame{
		Data:       data,
		Width:      s.cfg.Width,
		Height:     s.cfg.Height,
		Timestamps: ts,
	}, nil
}

// LogSource replays the frame timing of a previously written frame log.
// Frames carry no image data.
type LogSource struct {
	rd     *framelog.Reader
	closer io.Closer
	last   model.FrameNumber
	seen   bool
}

// NewLogSource reads frames from a frame log stream.
func NewLogSource(r io.Reader) *LogSource {
	return &LogSource{rd: framelog.NewReader(r)}
}

// OpenLogSource opens the frame log at path. Close releases the file.
func OpenLogSource(path string) (*LogSource, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("capture: open log source: %w", err)
	}
	s := NewLogSource(f)
	s.closer = f
	return s, nil
}

// Next returns a frame with the timestamps of the next logged record.
func (s *LogSource) Next(ctx context.Context) (model.RawFrame, error) {
	if err := ctx.Err(); err != nil {
		return model.RawFrame{}, err
	}
	rec, err := s.rd.Next()
	if errors.Is(err, io.EOF) {
		return model.RawFrame{}, io.EOF
	}
	if err != nil {
		return model.RawFrame{}, fmt.Errorf("capture: log source: %w", err)
	}
	if s.seen && rec.FrameNumber != s.last+1 {
		return model.RawFrame{}, fmt.Errorf("capture: log source: frame %d follows %d: %w",
			rec.FrameNumber, s.last, framelog.ErrCorrupt)
	}
	s.last, s.seen = rec.FrameNumber, true
	return model.RawFrame{Timestamps: rec.Timestamps}, nil
}

// Close closes the underlying file, if any.
func (s *LogSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
