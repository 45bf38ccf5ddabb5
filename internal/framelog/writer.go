// Package framelog implements the durable, append-only record log: one JSON
// record per line, in frame order.
//
// The writer follows the usual fsync tradeoff. "full" syncs after every
// record, "batch" syncs on a short ticker, and "none" leaves flushing to the
// OS page cache.
package framelog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/integrity"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// Sync modes.
const (
	SyncFull  = "full"
	SyncBatch = "batch"
	SyncNone  = "none"
)

const defaultSyncInterval = 10 * time.Millisecond

// Config holds configuration for the log writer.
type Config struct {
	Path         string        // Destination file. Created or truncated.
	SyncMode     string        // "full", "batch", "none". Default: "batch".
	SyncInterval time.Duration // Sync interval for batch mode. Default: 10ms.
}

// Writer appends serialized records to a file. It implements output.Sink.
type Writer struct {
	path     string
	syncMode string
	logger   *slog.Logger

	mu        sync.Mutex // guards file writes
	f         *os.File
	lastFrame model.FrameNumber
	wrote     bool
	closed    bool
	tree      integrity.Accumulator // over the content hashes written so far

	records atomic.Int64
	bytes   atomic.Int64

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// Open creates the log file and, in batch mode, starts the sync goroutine.
func Open(logger *slog.Logger, cfg Config) (*Writer, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("framelog: empty path: %w", model.ErrConfiguration)
	}
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncBatch
	}
	switch cfg.SyncMode {
	case SyncFull, SyncBatch, SyncNone:
	default:
		return nil, fmt.Errorf("framelog: invalid sync mode %q (must be full, batch, or none): %w",
			cfg.SyncMode, model.ErrConfiguration)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("framelog: create directory: %w", err)
		}
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("framelog: open %s: %w", cfg.Path, err)
	}

	w := &Writer{
		path:     cfg.Path,
		syncMode: cfg.SyncMode,
		logger:   logger,
		f:        f,
	}

	if cfg.SyncMode == SyncNone {
		logger.Warn("framelog: sync mode is 'none'; records may be lost on crash")
	}
	if cfg.SyncMode == SyncBatch {
		ctx, cancel := context.WithCancel(context.Background())
		w.syncCancel = cancel
		w.syncDone = make(chan struct{})
		go w.syncLoop(ctx, cfg.SyncInterval)
	}

	w.registerMetrics()
	logger.Info("framelog: opened", "path", cfg.Path, "sync_mode", cfg.SyncMode)
	return w, nil
}

// Write appends line followed by a newline. Records must arrive in strictly
// increasing, gapless frame order.
func (w *Writer) Write(_ context.Context, rec *model.Record, line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("framelog: write frame %d: %w", rec.FrameNumber, model.ErrClosed)
	}
	if w.wrote && rec.FrameNumber != w.lastFrame+1 {
		return fmt.Errorf("framelog: write frame %d after %d: out of order: %w",
			rec.FrameNumber, w.lastFrame, model.ErrUsage)
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("framelog: write frame %d: %w", rec.FrameNumber, err)
	}
	if w.syncMode == SyncFull {
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("framelog: fsync: %w", err)
		}
	}

	hash := rec.Hash
	if hash == "" {
		hash = integrity.RecordHash(rec)
	}
	w.tree.Add(hash)
	w.lastFrame = rec.FrameNumber
	w.wrote = true
	w.records.Add(1)
	w.bytes.Add(int64(len(buf)))
	return nil
}

// Records returns the number of records written.
func (w *Writer) Records() int64 { return w.records.Load() }

// Root returns the Merkle root over the records written so far. It equals
// the root Verify reports for the finished log.
func (w *Writer) Root() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tree.Root()
}

// Path returns the log file path.
func (w *Writer) Path() string { return w.path }

// Close stops the sync goroutine, syncs and closes the file.
func (w *Writer) Close(_ context.Context) error {
	if w.syncCancel != nil {
		w.syncCancel()
		<-w.syncDone
		w.syncCancel = nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Sync(); err != nil {
		w.logger.Warn("framelog: final sync failed", "error", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("framelog: close: %w", err)
	}
	w.logger.Info("framelog: closed", "path", w.path, "records", w.records.Load())
	return nil
}

func (w *Writer) syncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(w.syncDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed {
				if err := w.f.Sync(); err != nil {
					w.logger.Warn("framelog: batch sync failed", "error", err)
				}
			}
			w.mu.Unlock()
		}
	}
}

func (w *Writer) registerMetrics() {
	meter := telemetry.Meter("kansoku/framelog")

	_, _ = meter.Int64ObservableCounter("kansoku.framelog.records_total",
		metric.WithDescription("Records appended to the frame log"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.records.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("kansoku.framelog.bytes_total",
		metric.WithDescription("Bytes appended to the frame log"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.bytes.Load())
			return nil
		}),
	)
}
