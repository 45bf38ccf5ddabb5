// Package frameserver coordinates the lifecycle of frames moving through a
// multi-stage analysis pipeline.
//
// Frames are inserted in capture order and each is assigned the next frame
// number. A frame advances from one status to the next only after every
// checkpoint registered for its current status has been satisfied, so stages
// that run at different speeds never observe a frame early. Status changes
// fan out to handlers registered with OnStatusChange. When a frame reaches
// the terminal status it is evicted.
//
// Lock discipline: the Server's structural mutex guards the frame store and
// checkpoint state only. Handlers always run with it released, and the
// per-frame buffer mutexes are never taken by the Server.
//
// Handlers receive a context that identifies the delivery in progress. A
// handler that satisfies a checkpoint of its own frame must pass that context
// to SatisfyCheckpoint; the call then returns at once and the new status is
// delivered after the handler returns.
package frameserver

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ashita-ai/kansoku/internal/model"
)

// MaxCheckpointsPerStatus bounds the checkpoints a single status can carry.
const MaxCheckpointsPerStatus = 64

// ErrUnknownFrame is returned for frame numbers that were never inserted or
// have already been evicted.
var ErrUnknownFrame = fmt.Errorf("unknown frame: %w", model.ErrUsage)

// Handler observes a frame entering a status.
type Handler func(ctx context.Context, f *WorkingFrame)

// dispatchKey marks a handler context with the frame being delivered.
type dispatchKey struct{}

type checkpointSet struct {
	names []string
	index map[string]int
}

func (c *checkpointSet) fullMask() uint64 {
	if len(c.names) == MaxCheckpointsPerStatus {
		return ^uint64(0)
	}
	return (uint64(1) << len(c.names)) - 1
}

type frameState struct {
	frame     *WorkingFrame
	status    model.Status
	satisfied [model.StatusCount]uint64
	claimed   [model.StatusCount]uint64

	// Status events not yet delivered, in status order. Exactly one goroutine
	// at a time delivers them.
	pending     []model.Status
	dispatching bool
	queued      int // events ever queued
	delivered   int // events whose handlers have all returned
}

// Server is the frame lifecycle coordinator.
type Server struct {
	logger *slog.Logger

	mu          sync.Mutex
	cond        *sync.Cond // signalled on eviction and when draining starts
	deliveries  *sync.Cond // signalled after every delivered status event
	checkpoints [model.StatusCount]checkpointSet
	handlers    [model.StatusCount][]Handler
	reached     [model.StatusCount]bool
	frames      map[model.FrameNumber]*frameState
	atStatus    [model.StatusCount][]model.FrameNumber // sorted
	next        model.FrameNumber
	lowest      model.FrameNumber
	draining    bool
	evicted     int64
}

// New creates an empty Server.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger: logger,
		frames: make(map[model.FrameNumber]*frameState),
	}
	for i := range s.checkpoints {
		s.checkpoints[i].index = make(map[string]int)
	}
	s.cond = sync.NewCond(&s.mu)
	s.deliveries = sync.NewCond(&s.mu)
	return s
}

// RegisterCheckpoint declares that frames may not leave status until name has
// been satisfied for them. It must be called before any frame reaches status.
func (s *Server) RegisterCheckpoint(status model.Status, name string) error {
	if !status.Valid() || status.Terminal() {
		return fmt.Errorf("frameserver: register checkpoint %q on %s: %w", name, status, model.ErrConfiguration)
	}
	if name == "" {
		return fmt.Errorf("frameserver: register checkpoint on %s: empty name: %w", status, model.ErrConfiguration)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reached[status] {
		return fmt.Errorf("frameserver: register checkpoint %q: frames already reached %s: %w", name, status, model.ErrConfiguration)
	}
	cs := &s.checkpoints[status]
	if _, dup := cs.index[name]; dup {
		return fmt.Errorf("frameserver: checkpoint %q already registered on %s: %w", name, status, model.ErrConfiguration)
	}
	if len(cs.names) == MaxCheckpointsPerStatus {
		return fmt.Errorf("frameserver: %s already has %d checkpoints: %w", status, MaxCheckpointsPerStatus, model.ErrConfiguration)
	}
	cs.index[name] = len(cs.names)
	cs.names = append(cs.names, name)
	return nil
}

// Checkpoints returns the checkpoint names registered for status.
func (s *Server) Checkpoints(status model.Status) []string {
	if !status.Valid() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.checkpoints[status].names...)
}

// OnStatusChange registers a handler invoked once for every frame entering
// status. Handlers for one status run in registration order; events for a
// given frame are delivered in status order.
func (s *Server) OnStatusChange(status model.Status, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[status] = append(s.handlers[status], h)
}

// InsertFrame stores raw as the next frame and returns its number. The frame
// enters Capturing immediately and advances through any status whose
// checkpoints are already complete.
func (s *Server) InsertFrame(raw model.RawFrame) (model.FrameNumber, error) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return 0, fmt.Errorf("frameserver: insert frame: %w", model.ErrDraining)
	}
	n := s.next
	s.next++
	fs := &frameState{
		frame:  newWorkingFrame(n, raw),
		status: model.StatusCapturing,
	}
	s.frames[n] = fs
	s.enterLocked(model.StatusCapturing, n)
	s.reached[model.StatusCapturing] = true
	fs.pending = append(fs.pending, model.StatusCapturing)
	fs.queued++
	s.advanceLocked(fs)
	// The inserting goroutine always delivers the new frame's first events,
	// so capture feels the backpressure of Capturing handlers.
	fs.dispatching = true
	s.mu.Unlock()

	s.logger.Debug("frameserver: frame inserted", "frame", n, "start", raw.Timestamps.Start)
	s.deliver(context.Background(), fs)
	return n, nil
}

// SatisfyCheckpoint records that name is done for frame n at status. A
// checkpoint of a later status may be satisfied ahead of time; it takes effect
// when the frame gets there.
//
// When the frame advances, SatisfyCheckpoint returns after the handlers of
// every status it entered have run. If another goroutine is delivering events
// for the frame, the call waits for it, or until ctx is done. Called from a
// handler of frame n with the handler's context, it returns immediately.
func (s *Server) SatisfyCheckpoint(ctx context.Context, n model.FrameNumber, status model.Status, name string) error {
	s.mu.Lock()
	fs, ok := s.frames[n]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("frameserver: satisfy %s/%q for frame %d: %w", status, name, n, ErrUnknownFrame)
	}
	if !status.Valid() {
		s.mu.Unlock()
		return fmt.Errorf("frameserver: satisfy %q for frame %d: invalid status %d: %w", name, n, int(status), model.ErrUsage)
	}
	idx, ok := s.checkpoints[status].index[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("frameserver: satisfy %s/%q for frame %d: checkpoint not registered: %w", status, name, n, model.ErrUsage)
	}
	bit := uint64(1) << idx
	if status < fs.status || fs.satisfied[status]&bit != 0 {
		s.mu.Unlock()
		return fmt.Errorf("frameserver: satisfy %s/%q for frame %d: already satisfied: %w", status, name, n, model.ErrUsage)
	}
	fs.satisfied[status] |= bit
	s.advanceLocked(fs)

	if !fs.dispatching {
		fs.dispatching = true
		s.mu.Unlock()
		s.deliver(ctx, fs)
		return nil
	}
	if active, _ := ctx.Value(dispatchKey{}).(*frameState); active == fs {
		s.mu.Unlock()
		return nil
	}
	err := s.awaitDeliveryLocked(ctx, fs, fs.queued)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("frameserver: satisfy %s/%q for frame %d: %w", status, name, n, err)
	}
	return nil
}

// awaitDeliveryLocked waits until the first target events of fs have been
// delivered by the goroutine currently dispatching them.
func (s *Server) awaitDeliveryLocked(ctx context.Context, fs *frameState, target int) error {
	if fs.delivered >= target {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.deliveries.Broadcast()
		s.mu.Unlock()
	})
	defer stop()
	for fs.delivered < target {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for status handlers: %w", err)
		}
		s.deliveries.Wait()
	}
	return nil
}

// advanceLocked moves fs forward while its current status is complete and
// queues one event per status entered.
func (s *Server) advanceLocked(fs *frameState) {
	n := fs.frame.number
	for !fs.status.Terminal() && fs.satisfied[fs.status] == s.checkpoints[fs.status].fullMask() {
		s.leaveLocked(fs.status, n)
		fs.status++
		s.enterLocked(fs.status, n)
		s.reached[fs.status] = true
		fs.pending = append(fs.pending, fs.status)
		fs.queued++
	}
}

func (s *Server) enterLocked(status model.Status, n model.FrameNumber) {
	idx := s.atStatus[status]
	i, _ := slices.BinarySearch(idx, n)
	s.atStatus[status] = slices.Insert(idx, i, n)
}

func (s *Server) leaveLocked(status model.Status, n model.FrameNumber) {
	idx := s.atStatus[status]
	if i, ok := slices.BinarySearch(idx, n); ok {
		s.atStatus[status] = slices.Delete(idx, i, i+1)
	}
}

// deliver runs fs's pending events until none are left. The caller must have
// set fs.dispatching. Events queued by handlers, or by other goroutines while
// a handler runs, are delivered before it returns.
func (s *Server) deliver(ctx context.Context, fs *frameState) {
	hctx := context.WithValue(context.WithoutCancel(ctx), dispatchKey{}, fs)

	s.mu.Lock()
	for len(fs.pending) > 0 {
		status := fs.pending[0]
		fs.pending = fs.pending[1:]
		handlers := s.handlers[status]
		s.mu.Unlock()

		for _, h := range handlers {
			h(hctx, fs.frame)
		}

		s.mu.Lock()
		if status.Terminal() {
			s.evictLocked(fs)
		}
		fs.delivered++
		s.deliveries.Broadcast()
	}
	fs.dispatching = false
	s.mu.Unlock()
}

func (s *Server) evictLocked(fs *frameState) {
	n := fs.frame.number
	delete(s.frames, n)
	s.leaveLocked(fs.status, n)
	s.evicted++
	for s.lowest < s.next {
		if _, ok := s.frames[s.lowest]; ok {
			break
		}
		s.lowest++
	}
	s.cond.Broadcast()
	s.logger.Debug("frameserver: frame evicted", "frame", n)
}

// GetFrame returns the in-flight frame n.
func (s *Server) GetFrame(n model.FrameNumber) (*WorkingFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.frames[n]
	if !ok {
		return nil, fmt.Errorf("frameserver: get frame %d: %w", n, ErrUnknownFrame)
	}
	return fs.frame, nil
}

// FrameStatus returns the current status of frame n.
func (s *Server) FrameStatus(n model.FrameNumber) (model.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.frames[n]
	if !ok {
		return 0, false
	}
	return fs.status, true
}

// NextFrame returns the number the next inserted frame will be assigned.
// Every lower number has been inserted.
func (s *Server) NextFrame() model.FrameNumber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Checkout claims the lowest-numbered frame currently at status for which
// checkpoint name is neither satisfied nor claimed. It returns nil when no
// frame is available. A claimed frame is handed to exactly one caller.
func (s *Server) Checkout(status model.Status, name string) (*WorkingFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !status.Valid() {
		return nil, fmt.Errorf("frameserver: checkout %q: invalid status %d: %w", name, int(status), model.ErrUsage)
	}
	idx, ok := s.checkpoints[status].index[name]
	if !ok {
		return nil, fmt.Errorf("frameserver: checkout %s/%q: checkpoint not registered: %w", status, name, model.ErrUsage)
	}
	bit := uint64(1) << idx
	for _, n := range s.atStatus[status] {
		fs := s.frames[n]
		if (fs.satisfied[status]|fs.claimed[status])&bit != 0 {
			continue
		}
		fs.claimed[status] |= bit
		return fs.frame, nil
	}
	return nil, nil
}

// SetDraining stops accepting new frames. Frames already inserted continue
// through the pipeline.
func (s *Server) SetDraining() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return
	}
	s.draining = true
	s.cond.Broadcast()
	s.logger.Info("frameserver: draining", "in_flight", len(s.frames))
}

// IsDraining reports whether SetDraining has been called.
func (s *Server) IsDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// IsDrained reports whether draining has begun and every frame has been
// evicted.
func (s *Server) IsDrained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining && len(s.frames) == 0
}

// WaitDrained blocks until IsDrained is true or ctx is done.
func (s *Server) WaitDrained(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.draining || len(s.frames) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("frameserver: wait drained (%d in flight): %w", len(s.frames), err)
		}
		s.cond.Wait()
	}
	return nil
}

// Stats is a point-in-time view of the frame store.
type Stats struct {
	Inserted int64                `json:"inserted"`
	Evicted  int64                `json:"evicted"`
	InFlight int                  `json:"in_flight"`
	ByStatus map[model.Status]int `json:"by_status"`
	Oldest   *model.FrameNumber   `json:"oldest,omitempty"`
	Draining bool                 `json:"draining"`
	Drained  bool                 `json:"drained"`
}

// Stats returns a snapshot of the frame store.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Inserted: int64(s.next),
		Evicted:  s.evicted,
		InFlight: len(s.frames),
		ByStatus: make(map[model.Status]int, model.StatusCount),
		Draining: s.draining,
		Drained:  s.draining && len(s.frames) == 0,
	}
	for i, at := range s.atStatus {
		st.ByStatus[model.Status(i)] = len(at)
	}
	if len(s.frames) > 0 {
		oldest := s.lowest
		st.Oldest = &oldest
	}
	return st
}
