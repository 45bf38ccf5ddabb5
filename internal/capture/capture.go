// Package capture pulls frames from a Source and inserts them into the frame
// server. When the source ends the frame server is put into draining.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/kansoku/internal/metrics"
	"github.com/ashita-ai/kansoku/internal/model"
)

// Frames is the part of the frame server capture feeds.
type Frames interface {
	InsertFrame(raw model.RawFrame) (model.FrameNumber, error)
	SetDraining()
}

// Config configures a Capturer.
type Config struct {
	Source  Source
	Frames  Frames
	Metrics *metrics.Metrics // Optional.
	Logger  *slog.Logger
}

// Capturer is the capture loop.
type Capturer struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	paused bool
	resume chan struct{} // closed when unpaused

	captured atomic.Int64
	ended    atomic.Bool
}

// New validates cfg and creates a Capturer.
func New(cfg Config) (*Capturer, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("capture: source is required: %w", model.ErrConfiguration)
	}
	if cfg.Frames == nil {
		return nil, fmt.Errorf("capture: frame server is required: %w", model.ErrConfiguration)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{cfg: cfg, logger: logger}, nil
}

// Run captures until the source ends, insertion is refused because the
// frame server is draining, or ctx is cancelled. Only source and insertion
// failures are returned as errors.
func (c *Capturer) Run(ctx context.Context) error {
	c.logger.Info("capture: started")
	for {
		if err := c.waitResume(ctx); err != nil {
			return nil
		}

		var tick metrics.Tick
		if c.cfg.Metrics != nil {
			tick = c.cfg.Metrics.StartClock()
		}

		raw, err := c.cfg.Source.Next(ctx)
		if errors.Is(err, io.EOF) {
			c.ended.Store(true)
			c.logger.Info("capture: stream ended, draining", "frames", c.captured.Load())
			c.cfg.Frames.SetDraining()
			return nil
		}
		if ctx.Err() != nil {
			c.logger.Info("capture: stopped", "frames", c.captured.Load())
			return nil
		}
		if err != nil {
			return fmt.Errorf("capture: next frame: %w", err)
		}

		n, err := c.cfg.Frames.InsertFrame(raw)
		if errors.Is(err, model.ErrDraining) {
			c.logger.Info("capture: frame server draining, stopping", "frames", c.captured.Load())
			return nil
		}
		if err != nil {
			return fmt.Errorf("capture: insert frame: %w", err)
		}
		c.captured.Add(1)

		if c.cfg.Metrics != nil {
			c.cfg.Metrics.EndClock(tick, raw.Timestamps.Start)
		}
		c.logger.Debug("capture: frame inserted", "frame", n)
	}
}

// SetPaused suspends or resumes capture. A paused capturer finishes the
// frame in hand and then waits.
func (c *Capturer) SetPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if paused == c.paused {
		return
	}
	c.paused = paused
	if paused {
		c.resume = make(chan struct{})
	} else {
		close(c.resume)
	}
	c.logger.Info("capture: pause toggled", "paused", paused)
}

// Paused reports whether capture is paused.
func (c *Capturer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Captured returns the number of frames inserted.
func (c *Capturer) Captured() int64 { return c.captured.Load() }

// Ended reports whether the source has reached its end.
func (c *Capturer) Ended() bool { return c.ended.Load() }

func (c *Capturer) waitResume(ctx context.Context) error {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return ctx.Err()
	}
	ch := c.resume
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
