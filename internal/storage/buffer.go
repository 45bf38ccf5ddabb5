package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// BufferConfig configures a Buffer.
type BufferConfig struct {
	RunID        uuid.UUID     // Required.
	MaxSize      int           // Flush when this many records are buffered. Default: 500.
	FlushTimeout time.Duration // Flush at least this often. Default: 1s.
	Capacity     int           // Write blocks while this many records are buffered. Default: 50000.
	BlockTimeout time.Duration // How long Write may block before returning ErrBufferFull. Default: 30s.
}

// Buffer accumulates records in memory and flushes them to a FrameStore when
// either the batch size or flush timeout is reached. It implements
// output.Sink. Writes block while the buffer is at capacity, which pushes
// back on the output driver instead of dropping records.
type Buffer struct {
	store  FrameStore
	logger *slog.Logger
	cfg    BufferConfig
	tracer trace.Tracer

	mu      sync.Mutex
	recs    []*model.Record
	spaceCh chan struct{} // closed and replaced whenever a flush frees space
	retry   bool          // the last flush failed; the next uses the idempotent path

	flushed      atomic.Int64
	flushErrors  atomic.Int64
	lastFlushErr atomic.Pointer[string]

	started    atomic.Bool
	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc // cancels the flushLoop goroutine
	drainCtx   context.Context    // set by Drain so final flush respects caller's deadline
	drainOnce  sync.Once
}

// NewBuffer creates a new record buffer in front of store.
func NewBuffer(store FrameStore, logger *slog.Logger, cfg BufferConfig) (*Buffer, error) {
	if store == nil {
		return nil, fmt.Errorf("storage: buffer needs a store: %w", model.ErrConfiguration)
	}
	if cfg.RunID == uuid.Nil {
		return nil, fmt.Errorf("storage: buffer needs a run id: %w", model.ErrConfiguration)
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 500
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = time.Second
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 50_000
	}
	if cfg.Capacity < cfg.MaxSize {
		return nil, fmt.Errorf("storage: buffer capacity %d below batch size %d: %w",
			cfg.Capacity, cfg.MaxSize, model.ErrConfiguration)
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 30 * time.Second
	}
	return &Buffer{
		store:   store,
		logger:  logger,
		cfg:     cfg,
		tracer:  telemetry.Tracer("kansoku/storage"),
		spaceCh: make(chan struct{}),
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Start begins the background flush loop and registers OTEL metrics. Call
// Drain (or Close) to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("storage: buffer Start called more than once, ignoring")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Write buffers rec. It blocks while the buffer is at capacity, up to the
// configured block timeout or until ctx is done.
func (b *Buffer) Write(ctx context.Context, rec *model.Record, _ []byte) error {
	deadline := time.NewTimer(b.cfg.BlockTimeout)
	defer deadline.Stop()

	b.mu.Lock()
	for len(b.recs) >= b.cfg.Capacity {
		space := b.spaceCh
		b.mu.Unlock()
		b.signalFlush()
		select {
		case <-space:
		case <-ctx.Done():
			return fmt.Errorf("storage: buffer write frame %d: %w", rec.FrameNumber, ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("storage: buffer write frame %d: %w", rec.FrameNumber, ErrBufferFull)
		}
		b.mu.Lock()
	}
	b.recs = append(b.recs, rec)
	full := len(b.recs) >= b.cfg.MaxSize
	b.mu.Unlock()

	if full {
		b.signalFlush()
	}
	return nil
}

func (b *Buffer) signalFlush() {
	select {
	case b.flushCh <- struct{}{}:
	default:
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain().
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.recs) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.recs
	b.recs = nil
	retry := b.retry
	b.mu.Unlock()

	ctx, span := b.tracer.Start(ctx, "storage.flush", trace.WithAttributes(
		attribute.Int("batch_size", len(batch)),
		attribute.Int64("first_frame", int64(batch[0].FrameNumber)),
		attribute.Bool("retry", retry),
	))
	defer span.End()

	start := time.Now()
	var (
		count int64
		err   error
	)
	if retry {
		count, err = b.store.InsertFramesIdempotent(ctx, b.cfg.RunID, batch)
	} else {
		count, err = b.store.InsertFrames(ctx, b.cfg.RunID, batch)
	}
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.flushErrors.Add(1)
		msg := err.Error()
		b.lastFlushErr.Store(&msg)
		b.logger.Error("storage: flush failed", "error", err, "batch_size", len(batch))
		// Put records back in front for retry. Capacity is not exceeded:
		// Write refuses new records while the buffer is full.
		b.mu.Lock()
		b.recs = append(batch, b.recs...)
		b.retry = true
		b.mu.Unlock()
		return
	}

	b.flushed.Add(int64(len(batch)))
	b.mu.Lock()
	b.retry = false
	close(b.spaceCh)
	b.spaceCh = make(chan struct{})
	b.mu.Unlock()

	b.logger.Debug("storage: batch flushed",
		"batch_size", count,
		"last_frame", batch[len(batch)-1].FrameNumber,
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain signals the background flush loop to stop, waits for it to complete
// its final flush, and returns. ctx bounds the wait and the final flush.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainOnce.Do(func() {
		b.drainCtx = ctx
		if !b.started.Load() {
			b.flush(ctx)
			close(b.done)
			return
		}
		b.cancelLoop()
	})
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("storage: drain timed out waiting for flush loop")
	}
}

// Close drains the buffer and closes the store. Records that could not be
// written are reported as an error.
func (b *Buffer) Close(ctx context.Context) error {
	b.Drain(ctx)
	pending := b.Len()
	if err := b.store.Close(ctx); err != nil {
		return err
	}
	if pending > 0 {
		return fmt.Errorf("storage: %d records not persisted at close", pending)
	}
	return nil
}

// Len returns the current number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.recs)
}

// Capacity returns the configured maximum number of buffered records.
func (b *Buffer) Capacity() int { return b.cfg.Capacity }

// Flushed returns the number of records persisted.
func (b *Buffer) Flushed() int64 { return b.flushed.Load() }

// FlushErrors returns the number of failed flush attempts.
func (b *Buffer) FlushErrors() int64 { return b.flushErrors.Load() }

// LastFlushError returns the message of the most recent flush failure.
func (b *Buffer) LastFlushError() string {
	if p := b.lastFlushErr.Load(); p != nil {
		return *p
	}
	return ""
}

// registerMetrics registers observable OTEL gauges for buffer health monitoring.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("kansoku/storage")

	_, _ = meter.Int64ObservableGauge("kansoku.storage.buffer_depth",
		metric.WithDescription("Records waiting to be written to the database"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("kansoku.storage.flush_errors_total",
		metric.WithDescription("Failed database flush attempts"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.FlushErrors())
			return nil
		}),
	)
}
