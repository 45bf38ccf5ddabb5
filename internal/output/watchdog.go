package output

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// watchdog reports a flush cursor that has been waiting too long. Reports
// back off exponentially for the same frame and reset once it is emitted.
func (d *Driver) watchdog(ctx context.Context) {
	defer close(d.watchDone)

	interval := min(max(d.cfg.StallWarnAfter/4, 10*time.Millisecond), time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.mu.Lock()
			waitFor, waiting, ok := d.cursorWaitLocked(now)
			frame := d.flush
			warn := ok && waitFor >= d.nextWarn
			if warn {
				d.nextWarn *= 2
			}
			d.mu.Unlock()

			if warn {
				d.logger.Warn("output: flush stalled",
					"frame", frame,
					"waiting_ms", waitFor.Milliseconds(),
					"waiting_on", waiting,
				)
			}
		}
	}
}

// registerMetrics registers observable OTEL gauges for output health.
// Called from Start after the global meter provider has been initialized.
func (d *Driver) registerMetrics() {
	meter := telemetry.Meter("kansoku/output")

	_, _ = meter.Int64ObservableGauge("kansoku.output.buffered",
		metric.WithDescription("Frames accepted but not yet emitted"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(d.Stats().Buffered))
			return nil
		}),
	)

	_, _ = meter.Float64ObservableGauge("kansoku.output.stall_seconds",
		metric.WithDescription("How long the frame at the flush cursor has been waiting"),
		metric.WithUnit("s"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			d.mu.Lock()
			waitFor, _, _ := d.cursorWaitLocked(time.Now())
			d.mu.Unlock()
			o.Observe(waitFor.Seconds())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("kansoku.output.flushed_total",
		metric.WithDescription("Records emitted"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(d.flushed.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("kansoku.output.blocked_total",
		metric.WithDescription("Frame placements that blocked on a full ring"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(d.blocked.Load())
			return nil
		}),
	)
}
