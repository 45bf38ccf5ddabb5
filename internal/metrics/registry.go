package metrics

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// Registry owns every Metrics instance of a pipeline. It replaces the
// process-wide list the instances would otherwise register themselves in.
type Registry struct {
	logger *slog.Logger

	mu     sync.Mutex
	byName map[string]*Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, byName: make(map[string]*Metrics)}
}

// New creates and registers a metrics instance. Names must be unique.
func (r *Registry) New(cfg Config) (*Metrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byName[cfg.Name]; dup {
		return nil, fmt.Errorf("metrics: %q already registered: %w", cfg.Name, model.ErrConfiguration)
	}
	m, err := New(cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.byName[cfg.Name] = m
	return m, nil
}

// Get returns the instance registered under name.
func (r *Registry) Get(name string) (*Metrics, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byName[name]
	return m, ok
}

// Snapshots returns a snapshot of every instance, ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	all := slices.Collect(maps.Values(r.byName))
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(all))
	for _, m := range all {
		out = append(out, m.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// RegisterGauges exports every instance as OTEL observable gauges keyed by
// the metrics.name attribute. Call after telemetry.Init.
func (r *Registry) RegisterGauges() error {
	meter := telemetry.Meter("kansoku/metrics")

	avg, err := meter.Float64ObservableGauge("kansoku.metrics.avg_ms",
		metric.WithDescription("Average processing time over the rolling window"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("metrics: register avg gauge: %w", err)
	}
	worst, err := meter.Float64ObservableGauge("kansoku.metrics.worst_ms",
		metric.WithDescription("Worst processing time over the rolling window"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("metrics: register worst gauge: %w", err)
	}
	fps, err := meter.Float64ObservableGauge("kansoku.metrics.fps",
		metric.WithDescription("Frames per second over the rolling window"),
	)
	if err != nil {
		return fmt.Errorf("metrics: register fps gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, s := range r.Snapshots() {
			attrs := metric.WithAttributes(attribute.String("metrics.name", s.Name))
			o.ObserveFloat64(avg, durationMillis(s.Average), attrs)
			o.ObserveFloat64(worst, durationMillis(s.Worst), attrs)
			o.ObserveFloat64(fps, s.FPS, attrs)
		}
		return nil
	}, avg, worst, fps)
	if err != nil {
		return fmt.Errorf("metrics: register callback: %w", err)
	}
	return nil
}
