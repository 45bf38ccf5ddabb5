package frameserver

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// RegisterMetrics registers observable OTEL gauges for the frame store.
// Call after telemetry.Init.
func (s *Server) RegisterMetrics() {
	meter := telemetry.Meter("kansoku/frameserver")

	_, _ = meter.Int64ObservableGauge("kansoku.frameserver.in_flight",
		metric.WithDescription("Frames currently held by the frame server, by status"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			st := s.Stats()
			for status, n := range st.ByStatus {
				o.Observe(int64(n), metric.WithAttributes(attribute.String("status", status.String())))
			}
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("kansoku.frameserver.inserted_total",
		metric.WithDescription("Frames inserted since start"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.Stats().Inserted)
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("kansoku.frameserver.evicted_total",
		metric.WithDescription("Frames evicted after reaching "+model.StatusDrained.String()),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.Stats().Evicted)
			return nil
		}),
	)
}
