package kansoku

import (
	"context"

	"github.com/ashita-ai/kansoku/internal/capture"
	"github.com/ashita-ai/kansoku/internal/frameserver"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/output"
)

// FrameNumber identifies a frame. Numbers start at 0 and are gapless.
type FrameNumber = model.FrameNumber

// Status is a frame's lifecycle position.
type Status = model.Status

const (
	StatusCapturing      = model.StatusCapturing
	StatusAnalyzing      = model.StatusAnalyzing
	StatusLateProcessing = model.StatusLateProcessing
	StatusCompleted      = model.StatusCompleted
	StatusDrained        = model.StatusDrained
)

type (
	Timestamps = model.Timestamps
	RawFrame   = model.RawFrame
	Record     = model.Record
	// Frame is a frame in flight. Stages keep per-frame state in named
	// buffers with Update and Load.
	Frame = frameserver.WorkingFrame
	// Sink receives every emitted record in frame order.
	Sink = output.Sink
	// Source produces raw frames; io.EOF ends the stream.
	Source = capture.Source
	// StatusHandler runs once per frame when it reaches a status.
	StatusHandler = frameserver.Handler
)

// Error classes. Configuration and usage errors abort Run.
var (
	ErrConfiguration = model.ErrConfiguration
	ErrUsage         = model.ErrUsage
	ErrDraining      = model.ErrDraining
	ErrClosed        = model.ErrClosed
)

// Update mutates the named buffer of f under that buffer's lock.
func Update[T any](f *Frame, name string, fn func(v *T)) {
	frameserver.Update(f, name, fn)
}

// Load returns a copy of the named buffer of f.
func Load[T any](f *Frame, name string) (T, bool) {
	return frameserver.Load[T](f, name)
}

// Stage is one processing step. Its workers check out frames that reached
// Status, run Process, and satisfy Checkpoint, which holds each frame at
// Status until Process returns.
type Stage struct {
	Name       string
	Status     Status
	Checkpoint string // Default: Name.
	Workers    int    // Default: 1.
	Process    func(ctx context.Context, f *Frame, out Output) error
}
