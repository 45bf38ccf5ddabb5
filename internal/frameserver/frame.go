package frameserver

import (
	"sync"

	"github.com/ashita-ai/kansoku/internal/model"
)

// WorkingFrame is a frame owned by the Server. The raw data is immutable; the
// derived buffers that stages produce are each guarded by their own mutex and
// only reachable through Update and Load, so a buffer lock is always released.
type WorkingFrame struct {
	number model.FrameNumber
	raw    model.RawFrame

	mu      sync.Mutex // guards the buffers map, not buffer contents
	buffers map[string]*buffer
}

type buffer struct {
	mu    sync.Mutex
	value any
}

func newWorkingFrame(n model.FrameNumber, raw model.RawFrame) *WorkingFrame {
	return &WorkingFrame{number: n, raw: raw, buffers: make(map[string]*buffer)}
}

// Number returns the frame's assigned number.
func (f *WorkingFrame) Number() model.FrameNumber { return f.number }

// Timestamps returns the frame's position in the stream.
func (f *WorkingFrame) Timestamps() model.Timestamps { return f.raw.Timestamps }

// Raw returns the captured frame. Callers must not modify Data.
func (f *WorkingFrame) Raw() model.RawFrame { return f.raw }

func (f *WorkingFrame) buffer(name string) *buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.buffers[name]
	if !ok {
		b = &buffer{}
		f.buffers[name] = b
	}
	return b
}

// Update runs fn with exclusive access to the named buffer, creating a zero
// value on first use. A buffer must always be accessed with the same type T;
// a mismatch panics.
func Update[T any](f *WorkingFrame, name string, fn func(v *T)) {
	b := f.buffer(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.value == nil {
		b.value = new(T)
	}
	fn(b.value.(*T))
}

// Load returns a copy of the named buffer's value and whether it has been
// written.
func Load[T any](f *WorkingFrame, name string) (T, bool) {
	b := f.buffer(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.value == nil {
		var zero T
		return zero, false
	}
	return *b.value.(*T), true
}
