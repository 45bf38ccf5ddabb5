package kansoku

import (
	"log/slog"

	"github.com/ashita-ai/kansoku/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

type statusHandler struct {
	status  Status
	handler StatusHandler
}

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	logger         *slog.Logger
	version        string
	cfg            *config.Config
	source         Source
	stages         []Stage
	fields         []string
	lateFields     []string
	sinks          []Sink
	statusHandlers []statusHandler
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported by /health and in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithConfig replaces the environment configuration. The config is still
// validated.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}

// WithSource replaces the configured frame source.
func WithSource(src Source) Option {
	return func(o *resolvedOptions) { o.source = src }
}

// WithStage adds a processing stage. Stages are registered in call order.
func WithStage(st Stage) Option {
	return func(o *resolvedOptions) { o.stages = append(o.stages, st) }
}

// WithField declares a core record field.
func WithField(key string) Option {
	return func(o *resolvedOptions) { o.fields = append(o.fields, key) }
}

// WithLateField declares a late record field. Every frame waits for it to be
// supplied before it is emitted.
func WithLateField(key string) Option {
	return func(o *resolvedOptions) { o.lateFields = append(o.lateFields, key) }
}

// WithSink adds a record sink after the configured frame log and database.
// The App closes it when the output driver closes.
func WithSink(s Sink) Option {
	return func(o *resolvedOptions) { o.sinks = append(o.sinks, s) }
}

// WithStatusHandler runs h for every frame that reaches status. Handlers run
// synchronously on the goroutine that advanced the frame and must not block.
func WithStatusHandler(status Status, h StatusHandler) Option {
	return func(o *resolvedOptions) {
		o.statusHandlers = append(o.statusHandlers, statusHandler{status: status, handler: h})
	}
}
