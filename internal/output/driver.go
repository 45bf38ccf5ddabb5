// Package output assembles per-frame records and emits them in strict frame
// order to durable sinks and realtime subscribers.
//
// Each accepted frame gets a container in a fixed-capacity ring. Stages fill
// core fields with SetField; late fields, which may arrive long after the
// frame finished analysis, are supplied with SupplyField. A frame is ready
// once the frame server reports it reached late processing and every declared
// late field has been supplied. A single writer goroutine emits ready frames
// at the flush cursor and never skips ahead.
//
// When the ring is full, accepting the next frame blocks the caller, which
// propagates backpressure to capture. Nothing is dropped.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/kansoku/internal/frameserver"
	"github.com/ashita-ai/kansoku/internal/model"
)

// Checkpoint names the driver registers with the frame server.
const (
	CheckpointAccepted = "output.accepted" // Capturing: container placed in the ring.
	CheckpointFlushed  = "output.flushed"  // Completed: record written to every sink.
)

const (
	DefaultCapacity       = 3600
	defaultStallWarnAfter = 5 * time.Second
)

// Coordinator is the part of the frame server the driver depends on.
type Coordinator interface {
	RegisterCheckpoint(status model.Status, name string) error
	OnStatusChange(status model.Status, h frameserver.Handler)
	SatisfyCheckpoint(ctx context.Context, n model.FrameNumber, status model.Status, name string) error
	NextFrame() model.FrameNumber
}

// Sink receives every emitted record in frame order. line is the record's
// serialized form without a trailing newline.
type Sink interface {
	Write(ctx context.Context, rec *model.Record, line []byte) error
	Close(ctx context.Context) error
}

// Broadcaster pushes serialized records to realtime subscribers.
type Broadcaster interface {
	Broadcast(line []byte, isBasis bool)
}

// Config configures a Driver.
type Config struct {
	Capacity       int           // Ring capacity in frames. Default: 3600.
	Basis          BasisPolicy   // When to emit full records instead of diffs.
	StallWarnAfter time.Duration // How long the flush cursor may wait before it is reported. Default: 5s.
	Broadcaster    Broadcaster   // Optional.
	Logger         *slog.Logger
	OnError        func(err error) // Called for sink and checkpoint failures.
}

type container struct {
	number        model.FrameNumber
	timestamps    model.Timestamps
	fields        map[string]json.RawMessage
	waiting       map[string]struct{}
	statusReached bool
	basisFlagged  bool
	incomplete    bool // missing core fields are expected
}

// marks are requests for a frame that has been numbered but not yet placed.
type marks struct {
	basis      bool
	incomplete bool
}

func (c *container) ready() bool {
	return c.statusReached && len(c.waiting) == 0
}

// Driver is the output emission layer.
type Driver struct {
	cfg    Config
	coord  Coordinator
	sinks  []Sink
	logger *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	declared map[string]bool // key -> late
	lateKeys []string
	ring     []*container
	writer   model.FrameNumber // next frame to place
	flush    model.FrameNumber // next frame to emit
	// Requests for frames in [writer, coordinator's next frame), applied on
	// placement. FlagNextBasis may also mark the flush cursor early.
	held      map[model.FrameNumber]map[string]json.RawMessage
	heldMarks map[model.FrameNumber]marks
	accepted  bool
	stopping  bool
	basis     *basisState

	// Stall tracking, guarded by mu.
	cursorSince time.Time
	nextWarn    time.Duration

	started    atomic.Bool
	done       chan struct{}
	watchDone  chan struct{}
	cancelLoop context.CancelFunc

	flushed    atomic.Int64
	bases      atomic.Int64
	blocked    atomic.Int64
	sinkErrors atomic.Int64
}

// New creates a driver, registers its checkpoints and status handlers with
// coord, and takes ownership of sinks. Call Start before inserting frames.
func New(cfg Config, coord Coordinator, sinks ...Sink) (*Driver, error) {
	if cfg.Capacity < 0 {
		return nil, fmt.Errorf("output: capacity must be positive, got %d: %w", cfg.Capacity, model.ErrConfiguration)
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if err := cfg.Basis.validate(); err != nil {
		return nil, err
	}
	if cfg.StallWarnAfter <= 0 {
		cfg.StallWarnAfter = defaultStallWarnAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Driver{
		cfg:       cfg,
		coord:     coord,
		sinks:     sinks,
		logger:    logger,
		declared:  make(map[string]bool),
		ring:      make([]*container, cfg.Capacity),
		held:      make(map[model.FrameNumber]map[string]json.RawMessage),
		heldMarks: make(map[model.FrameNumber]marks),
		done:      make(chan struct{}),
		watchDone: make(chan struct{}),
		nextWarn:  cfg.StallWarnAfter,
	}
	d.cond = sync.NewCond(&d.mu)

	if err := coord.RegisterCheckpoint(model.StatusCapturing, CheckpointAccepted); err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	if err := coord.RegisterCheckpoint(model.StatusCompleted, CheckpointFlushed); err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	coord.OnStatusChange(model.StatusCapturing, d.onCapturing)
	coord.OnStatusChange(model.StatusLateProcessing, d.onLateProcessing)
	return d, nil
}

// DeclareField declares a core field that stages set with SetField.
func (d *Driver) DeclareField(key string) error {
	return d.declare(key, false)
}

// DeclareLateField declares a field every frame waits for before it can be
// emitted. Late fields are supplied with SupplyField.
func (d *Driver) DeclareLateField(key string) error {
	return d.declare(key, true)
}

func (d *Driver) declare(key string, late bool) error {
	if key == "" {
		return fmt.Errorf("output: declare field: empty key: %w", model.ErrConfiguration)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.accepted {
		return fmt.Errorf("output: declare field %q: frames already accepted: %w", key, model.ErrConfiguration)
	}
	if _, dup := d.declared[key]; dup {
		return fmt.Errorf("output: field %q already declared: %w", key, model.ErrConfiguration)
	}
	d.declared[key] = late
	if late {
		d.lateKeys = append(d.lateKeys, key)
	}
	return nil
}

// Start launches the writer and stall watchdog goroutines. Call Close to
// stop them.
func (d *Driver) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		d.logger.Warn("output: Start called more than once, ignoring")
		return
	}
	d.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancelLoop = cancel
	go d.writeLoop(loopCtx)
	go d.watchdog(loopCtx)
}

// onCapturing places a container for f. It blocks while frames ahead of f
// have not been placed or while the ring has no free slot.
func (d *Driver) onCapturing(ctx context.Context, f *frameserver.WorkingFrame) {
	n := f.Number()

	d.mu.Lock()
	waited := false
	for !d.stopping && (n != d.writer || int(n-d.flush) >= d.cfg.Capacity) {
		if !waited && n == d.writer {
			waited = true
			d.blocked.Add(1)
			d.logger.Warn("output: ring full, blocking capture",
				"frame", n, "flush_cursor", d.flush, "capacity", d.cfg.Capacity)
		}
		d.cond.Wait()
	}
	if d.stopping {
		d.mu.Unlock()
		d.logger.Warn("output: driver closed, frame not accepted", "frame", n)
		return
	}

	c := &container{
		number:     n,
		timestamps: f.Timestamps(),
		fields:     make(map[string]json.RawMessage, len(d.declared)),
		waiting:    make(map[string]struct{}, len(d.lateKeys)),
	}
	for _, k := range d.lateKeys {
		c.waiting[k] = struct{}{}
	}
	for k, v := range d.held[n] {
		delete(c.waiting, k)
		c.fields[k] = v
	}
	delete(d.held, n)
	if m, ok := d.heldMarks[n]; ok {
		c.basisFlagged = m.basis
		c.incomplete = m.incomplete
		delete(d.heldMarks, n)
	}
	if d.writer == d.flush {
		d.cursorSince = time.Now()
	}
	d.ring[int(n)%d.cfg.Capacity] = c
	d.writer++
	d.accepted = true
	d.cond.Broadcast()
	d.mu.Unlock()

	if err := d.coord.SatisfyCheckpoint(ctx, n, model.StatusCapturing, CheckpointAccepted); err != nil {
		d.fail(fmt.Errorf("output: accept frame %d: %w", n, err))
	}
}

func (d *Driver) onLateProcessing(_ context.Context, f *frameserver.WorkingFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.containerLocked(f.Number())
	if c == nil {
		return
	}
	c.statusReached = true
	if c.number == d.flush && c.ready() {
		d.cond.Broadcast()
	}
}

// containerLocked returns the placed, unflushed container for n.
func (d *Driver) containerLocked(n model.FrameNumber) *container {
	if n < d.flush || n >= d.writer {
		return nil
	}
	return d.ring[int(n)%d.cfg.Capacity]
}

// SetField sets a core field on frame n. The value is serialized as JSON
// immediately; later calls for the same key replace it.
func (d *Driver) SetField(n model.FrameNumber, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("output: set field %q on frame %d: %w", key, n, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	late, ok := d.declared[key]
	switch {
	case !ok:
		return fmt.Errorf("output: set field %q on frame %d: undeclared key: %w", key, n, model.ErrUsage)
	case late:
		return fmt.Errorf("output: set field %q on frame %d: late field must be supplied: %w", key, n, model.ErrUsage)
	}
	c := d.containerLocked(n)
	if c == nil {
		return fmt.Errorf("output: set field %q on frame %d: frame not in output buffer (flush=%d, writer=%d): %w",
			key, n, d.flush, d.writer, model.ErrUsage)
	}
	c.fields[key] = raw
	return nil
}

// SupplyField supplies late field key for frame n. It may be called from any
// goroutine in any frame order, including before the frame is accepted into
// the ring, but only once the frame has been inserted. A second supply for
// the same frame and key is logged and ignored.
func (d *Driver) SupplyField(n model.FrameNumber, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("output: supply field %q on frame %d: %w", key, n, err)
	}
	if err := d.checkInserted(n); err != nil {
		return fmt.Errorf("output: supply field %q: %w", key, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if late, ok := d.declared[key]; !ok || !late {
		return fmt.Errorf("output: supply field %q on frame %d: not a declared late field: %w", key, n, model.ErrUsage)
	}
	if n < d.flush {
		d.logger.Warn("output: late field supplied after frame was emitted, ignoring", "frame", n, "key", key)
		return nil
	}

	c := d.containerLocked(n)
	if c == nil {
		h := d.held[n]
		if h == nil {
			h = make(map[string]json.RawMessage)
			d.held[n] = h
		}
		if _, dup := h[key]; dup {
			d.logger.Warn("output: late field supplied twice, ignoring", "frame", n, "key", key)
			return nil
		}
		h[key] = raw
		return nil
	}

	if _, waiting := c.waiting[key]; !waiting {
		d.logger.Warn("output: late field supplied twice, ignoring", "frame", n, "key", key)
		return nil
	}
	delete(c.waiting, key)
	c.fields[key] = raw
	if c.number == d.flush && c.ready() {
		d.cond.Broadcast()
	}
	return nil
}

// FlagBasis requests that frame n be emitted as a basis record. Frame n must
// have been inserted and not yet emitted.
func (d *Driver) FlagBasis(n model.FrameNumber) error {
	if err := d.checkInserted(n); err != nil {
		return fmt.Errorf("output: flag basis: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flagBasisLocked(n)
}

// MarkIncomplete declares that frame n may be emitted without some of its
// core fields, for example because a stage failed on it. Missing fields are
// then emitted as null without reporting an error.
func (d *Driver) MarkIncomplete(n model.FrameNumber) error {
	if err := d.checkInserted(n); err != nil {
		return fmt.Errorf("output: mark incomplete: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < d.flush {
		return fmt.Errorf("output: mark frame %d incomplete: already emitted: %w", n, model.ErrUsage)
	}
	if c := d.containerLocked(n); c != nil {
		c.incomplete = true
		return nil
	}
	m := d.heldMarks[n]
	m.incomplete = true
	d.heldMarks[n] = m
	return nil
}

// checkInserted rejects frame numbers the frame server has not assigned yet,
// which would otherwise be held forever.
func (d *Driver) checkInserted(n model.FrameNumber) error {
	if next := d.coord.NextFrame(); n >= next {
		return fmt.Errorf("frame %d not inserted yet (next is %d): %w", n, next, model.ErrUsage)
	}
	return nil
}

// FlagNextBasis flags the oldest frame that has not been emitted yet and
// returns its number.
func (d *Driver) FlagNextBasis() model.FrameNumber {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.flush
	_ = d.flagBasisLocked(n)
	return n
}

func (d *Driver) flagBasisLocked(n model.FrameNumber) error {
	if n < d.flush {
		return fmt.Errorf("output: flag basis on frame %d: already emitted: %w", n, model.ErrUsage)
	}
	if c := d.containerLocked(n); c != nil {
		c.basisFlagged = true
		return nil
	}
	m := d.heldMarks[n]
	m.basis = true
	d.heldMarks[n] = m
	return nil
}

// Close stops accepting frames, emits every frame that is ready, and closes
// the sinks. Frames that were accepted but never became ready are reported
// and discarded.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return fmt.Errorf("output: close: %w", model.ErrClosed)
	}
	d.stopping = true
	d.cond.Broadcast()
	d.mu.Unlock()

	if d.started.Load() {
		select {
		case <-d.done:
		case <-ctx.Done():
			d.logger.Warn("output: close timed out waiting for writer")
		}
		d.cancelLoop()
		<-d.watchDone
	}

	d.mu.Lock()
	unflushed := int(d.writer - d.flush)
	var pending []model.FrameNumber
	for n := d.flush; n < d.writer && len(pending) < 10; n++ {
		pending = append(pending, n)
	}
	d.mu.Unlock()
	if unflushed > 0 {
		d.logger.Warn("output: frames discarded at close", "count", unflushed, "first", pending)
	}

	var firstErr error
	for _, s := range d.sinks {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("output: close sink: %w", err)
		}
	}
	d.logger.Info("output: closed", "flushed", d.flushed.Load(), "discarded", unflushed)
	return firstErr
}

func (d *Driver) fail(err error) {
	d.logger.Error("output: failure", "error", err)
	if d.cfg.OnError != nil {
		d.cfg.OnError(err)
	}
}

// Stats is a snapshot of the driver's state.
type Stats struct {
	Capacity          int                `json:"capacity"`
	WriterCursor      model.FrameNumber  `json:"writer_cursor"`
	FlushCursor       model.FrameNumber  `json:"flush_cursor"`
	Buffered          int                `json:"buffered"`
	Flushed           int64              `json:"flushed"`
	Bases             int64              `json:"bases"`
	BlockedPlacements int64              `json:"blocked_placements"`
	SinkErrors        int64              `json:"sink_errors"`
	LastBasis         *model.FrameNumber `json:"last_basis,omitempty"`
	Stalled           bool               `json:"stalled"`
	StallFor          time.Duration      `json:"stall_for_ns,omitempty"`
	WaitingOn         []string           `json:"waiting_on,omitempty"`
}

// Stats returns a snapshot of the driver's state.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Stats{
		Capacity:          d.cfg.Capacity,
		WriterCursor:      d.writer,
		FlushCursor:       d.flush,
		Buffered:          int(d.writer - d.flush),
		Flushed:           d.flushed.Load(),
		Bases:             d.bases.Load(),
		BlockedPlacements: d.blocked.Load(),
		SinkErrors:        d.sinkErrors.Load(),
	}
	if d.basis != nil {
		n := d.basis.number
		st.LastBasis = &n
	}
	if waitFor, waiting, ok := d.cursorWaitLocked(time.Now()); ok && waitFor >= d.cfg.StallWarnAfter {
		st.Stalled = true
		st.StallFor = waitFor
		st.WaitingOn = waiting
	}
	return st
}

// cursorWaitLocked reports how long the frame at the flush cursor has been
// placed but not ready, and what it is waiting on.
func (d *Driver) cursorWaitLocked(now time.Time) (time.Duration, []string, bool) {
	c := d.containerLocked(d.flush)
	if c == nil || c.ready() {
		return 0, nil, false
	}
	var waiting []string
	if !c.statusReached {
		waiting = append(waiting, "status:"+model.StatusLateProcessing.String())
	}
	for k := range c.waiting {
		waiting = append(waiting, k)
	}
	slices.Sort(waiting)
	return now.Sub(d.cursorSince), waiting, true
}
