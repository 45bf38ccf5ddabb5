// Package broadcast fans emitted records out to realtime subscribers.
//
// The Hub keeps the most recent basis record and the diffs broadcast since
// it, so a subscriber that connects mid-stream can be brought up to date
// before it sees live records. Every connection has its own send queue and
// writer goroutine; the hub lock is never held during network I/O.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// Conn is a message-oriented subscriber connection.
type Conn interface {
	Send(msg []byte) error
	Close() error
}

// Config configures a Hub.
type Config struct {
	QueueSize  int // Per-connection send queue. Default: 256.
	MaxBacklog int // Diffs retained after the last basis. Default: 3600.
	// OnBacklogFull is called once when the backlog overflows. New subscribers
	// wait for the next basis until then, so callers typically request one.
	OnBacklogFull func()
	Logger        *slog.Logger
}

type client struct {
	id         string
	conn       Conn
	initial    [][]byte
	queue      chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	awaitBasis bool // guarded by Hub.mu
}

// Hub is the set of open subscriber connections.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	clients  map[string]*client
	basis    []byte
	backlog  [][]byte
	overflow bool // backlog exceeded MaxBacklog since the last basis
	closed   bool

	wg      sync.WaitGroup
	sent    atomic.Int64
	dropped atomic.Int64
}

// New creates a Hub.
func New(cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = 3600
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// Attach registers conn and returns its ID. The connection first receives the
// latest basis and the diffs broadcast since, then live records. Snapshot and
// registration happen under the same lock as Broadcast, so nothing is missed
// or duplicated.
func (h *Hub) Attach(conn Conn) (string, error) {
	c := &client{
		id:    uuid.NewString(),
		conn:  conn,
		queue: make(chan []byte, h.cfg.QueueSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", fmt.Errorf("broadcast: attach: %w", model.ErrClosed)
	}
	switch {
	case h.basis == nil:
		// Nothing emitted yet; the first record is a basis.
	case h.overflow:
		c.awaitBasis = true
	default:
		c.initial = make([][]byte, 0, len(h.backlog)+1)
		c.initial = append(c.initial, h.basis)
		c.initial = append(c.initial, h.backlog...)
	}
	h.clients[c.id] = c
	n, replayed, waiting := len(h.clients), len(c.initial), c.awaitBasis
	h.wg.Add(1)
	h.mu.Unlock()

	go h.writeLoop(c)
	h.logger.Info("broadcast: subscriber attached", "id", c.id, "subscribers", n,
		"replayed", replayed, "await_basis", waiting)
	return c.id, nil
}

// Detach removes and closes the connection with the given ID.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	c := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if c != nil {
		h.closeClient(c, nil)
	}
}

// Broadcast queues line for every connection. A connection whose queue is full
// is dropped.
func (h *Hub) Broadcast(line []byte, isBasis bool) {
	var slow []*client

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if isBasis {
		h.basis = line
		h.backlog = h.backlog[:0]
		h.overflow = false
	} else if h.basis != nil && !h.overflow {
		if len(h.backlog) >= h.cfg.MaxBacklog {
			h.overflow = true
			h.backlog = nil
			if h.cfg.OnBacklogFull != nil {
				defer h.cfg.OnBacklogFull()
			}
		} else {
			h.backlog = append(h.backlog, line)
		}
	}

	for id, c := range h.clients {
		if c.awaitBasis {
			if !isBasis {
				continue
			}
			c.awaitBasis = false
		}
		select {
		case c.queue <- line:
		default:
			delete(h.clients, id)
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.closeClient(c, fmt.Errorf("send queue full (%d)", h.cfg.QueueSize))
	}
}

func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()

	send := func(msg []byte) bool {
		if err := c.conn.Send(msg); err != nil {
			h.remove(c, fmt.Errorf("send: %w", err))
			return false
		}
		h.sent.Add(1)
		return true
	}

	for _, msg := range c.initial {
		select {
		case <-c.done:
			return
		default:
		}
		if !send(msg) {
			return
		}
	}
	c.initial = nil

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			if !send(msg) {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client, reason error) {
	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	h.closeClient(c, reason)
}

// closeClient closes c exactly once. Must not be called with h.mu held.
func (h *Hub) closeClient(c *client, reason error) {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.conn.Close(); err != nil {
			h.logger.Debug("broadcast: close connection", "id", c.id, "error", err)
		}
		if reason != nil {
			h.dropped.Add(1)
			h.logger.Warn("broadcast: subscriber dropped", "id", c.id, "reason", reason)
			return
		}
		h.logger.Info("broadcast: subscriber detached", "id", c.id)
	})
}

// Close closes every connection and waits for their writers to exit. Later
// broadcasts are ignored and attaches fail.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	clear(h.clients)
	h.mu.Unlock()

	for _, c := range clients {
		h.closeClient(c, nil)
	}
	h.wg.Wait()
	return nil
}

// Stats is a snapshot of hub state.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Backlog     int   `json:"backlog"`
	HasBasis    bool  `json:"has_basis"`
	Overflowed  bool  `json:"overflowed"`
	Sent        int64 `json:"sent"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns a snapshot of hub state.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Subscribers: len(h.clients),
		Backlog:     len(h.backlog),
		HasBasis:    h.basis != nil,
		Overflowed:  h.overflow,
		Sent:        h.sent.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// RegisterMetrics registers observable OTEL gauges for subscriber health.
func (h *Hub) RegisterMetrics() {
	meter := telemetry.Meter("kansoku/broadcast")

	_, _ = meter.Int64ObservableGauge("kansoku.broadcast.subscribers",
		metric.WithDescription("Open realtime subscriber connections"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.Stats().Subscribers))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("kansoku.broadcast.dropped_total",
		metric.WithDescription("Subscribers dropped after a send failure or a full queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(h.dropped.Load())
			return nil
		}),
	)
}
