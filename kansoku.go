// Package kansoku is the public API for embedding the Kansoku frame pipeline.
//
// An App captures frames from a source, lets stages process them at their own
// pace, and emits one record per frame in strict frame order to the frame
// log, an optional database and realtime websocket subscribers:
//
//	app, err := kansoku.New(
//	    kansoku.WithVersion(version),
//	    kansoku.WithLogger(logger),
//	    kansoku.WithField("faces"),
//	    kansoku.WithStage(kansoku.Stage{
//	        Name:   "faces",
//	        Status: kansoku.StatusAnalyzing,
//	        Process: func(ctx context.Context, f *kansoku.Frame, out kansoku.Output) error {
//	            return out.SetField(f.Number(), "faces", detect(f.Raw()))
//	        },
//	    }),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// internal/* never imports this package. Public types are aliases of the
// internal ones so stages see exactly what the pipeline uses.
package kansoku

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/broadcast"
	"github.com/ashita-ai/kansoku/internal/capture"
	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/framelog"
	"github.com/ashita-ai/kansoku/internal/frameserver"
	"github.com/ashita-ai/kansoku/internal/mcp"
	"github.com/ashita-ai/kansoku/internal/metrics"
	"github.com/ashita-ai/kansoku/internal/output"
	"github.com/ashita-ai/kansoku/internal/ratelimit"
	"github.com/ashita-ai/kansoku/internal/replay"
	"github.com/ashita-ai/kansoku/internal/server"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/internal/workerpool"
	"github.com/ashita-ai/kansoku/migrations"
)

// App is the Kansoku pipeline lifecycle. Construct with New(), run with Run().
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	version string
	runID   uuid.UUID

	coord    *frameserver.Server
	driver   *output.Driver
	hub      *broadcast.Hub
	registry *metrics.Registry
	capturer *capture.Capturer
	source   Source
	pools    []*workerpool.Pool
	replayer *replay.Replayer

	log   *framelog.Writer // nil when the frame log is disabled
	buf   *storage.Buffer  // nil without a database sink
	db    *storage.DB      // nil unless storage is postgres
	store storage.FrameStore

	srv     *server.Server // nil when HTTP is disabled
	broker  *server.Broker // nil without a notify connection
	limiter ratelimit.Limiter

	otelShutdown telemetry.Shutdown

	// fatal is cancelled with the first configuration or usage error raised
	// by a running component.
	fatal      context.Context
	raiseFatal context.CancelCauseFunc
}

// New wires the pipeline: sinks, output driver, stages, capture and the HTTP
// surface. It connects to the database and runs migrations when Postgres is
// configured, but starts no goroutines and accepts no connections. Call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	var cfg config.Config
	if o.cfg != nil {
		cfg = *o.cfg
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("kansoku: config: %w: %w", ErrConfiguration, err)
		}
	} else {
		// Load .env file if present (non-fatal; production won't have one).
		_ = godotenv.Load()
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, fmt.Errorf("kansoku: load config: %w: %w", ErrConfiguration, err)
		}
	}

	runID := uuid.New()
	if cfg.RunID != "" {
		id, err := uuid.Parse(cfg.RunID)
		if err != nil {
			return nil, fmt.Errorf("kansoku: run id %q: %w", cfg.RunID, ErrConfiguration)
		}
		runID = id
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		version: version,
		runID:   runID,
	}
	a.fatal, a.raiseFatal = context.WithCancelCause(context.Background())

	logger.Info("kansoku starting", "version", version, "run_id", runID, "source", cfg.Source, "storage", cfg.Storage)

	if err := a.wire(o); err != nil {
		a.release(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) wire(o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger
	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		Prometheus:  cfg.PrometheusMetrics && cfg.HTTPEnabled,
		ServiceName: cfg.ServiceName,
		Version:     a.version,
	})
	if err != nil {
		return fmt.Errorf("kansoku: %w", err)
	}
	a.otelShutdown = otelShutdown

	a.coord = frameserver.New(logger)
	a.coord.RegisterMetrics()
	a.registry = metrics.NewRegistry(logger)

	a.hub = broadcast.New(broadcast.Config{
		QueueSize:     cfg.StreamQueueSize,
		MaxBacklog:    cfg.StreamMaxBacklog,
		OnBacklogFull: a.onBacklogFull,
		Logger:        logger,
	})
	a.hub.RegisterMetrics()

	sinks, err := a.openSinks(ctx)
	if err != nil {
		return err
	}
	sinks = append(sinks, o.sinks...)

	a.driver, err = output.New(output.Config{
		Capacity:       cfg.OutputCapacity,
		Basis:          output.BasisPolicy{EveryFrames: cfg.BasisEveryFrames, Interval: cfg.BasisInterval},
		StallWarnAfter: cfg.StallWarnAfter,
		Broadcaster:    a.hub,
		Logger:         logger,
		OnError:        a.onPipelineError,
	}, a.coord, sinks...)
	if err != nil {
		return fmt.Errorf("kansoku: %w", err)
	}

	for _, key := range o.fields {
		if err := a.driver.DeclareField(key); err != nil {
			return fmt.Errorf("kansoku: %w", err)
		}
	}
	for _, key := range o.lateFields {
		if err := a.driver.DeclareLateField(key); err != nil {
			return fmt.Errorf("kansoku: %w", err)
		}
	}

	if cfg.EventsPath != "" {
		a.replayer, err = replay.Load(logger, replay.Config{Path: cfg.EventsPath, From: cfg.ReplayFrom})
		if err != nil {
			return fmt.Errorf("kansoku: %w", err)
		}
		if err := a.replayer.Attach(a.coord, a.driver, a.onPipelineError); err != nil {
			return fmt.Errorf("kansoku: %w", err)
		}
	}

	for _, sh := range o.statusHandlers {
		a.coord.OnStatusChange(sh.status, sh.handler)
	}
	for _, st := range o.stages {
		if err := a.addStage(st); err != nil {
			return err
		}
	}

	if err := a.openCapture(o.source); err != nil {
		return err
	}

	if err := a.registry.RegisterGauges(); err != nil {
		return fmt.Errorf("kansoku: %w", err)
	}

	if cfg.HTTPEnabled {
		if err := a.openServer(); err != nil {
			return err
		}
	}
	return nil
}

// openSinks opens the frame log and the database sink. Both are closed by
// the App after the HTTP server, not by the output driver.
func (a *App) openSinks(ctx context.Context) ([]output.Sink, error) {
	cfg, logger := a.cfg, a.logger
	var sinks []output.Sink

	if cfg.LogPath != "" {
		w, err := framelog.Open(logger, framelog.Config{
			Path:         cfg.LogPath,
			SyncMode:     cfg.LogSyncMode,
			SyncInterval: cfg.LogSyncInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("kansoku: frame log: %w", err)
		}
		a.log = w
		sinks = append(sinks, heldSink{w})
		logger.Info("frame log", "path", cfg.LogPath, "sync_mode", cfg.LogSyncMode)
	} else {
		logger.Warn("frame log", "enabled", false, "risk", "records are not persisted locally")
	}

	switch cfg.Storage {
	case config.StoragePostgres:
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, fmt.Errorf("kansoku: database: %w", err)
		}
		a.db, a.store = db, db
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return nil, fmt.Errorf("kansoku: migrations: %w", err)
		}
	case config.StorageSQLite:
		s, err := storage.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("kansoku: database: %w", err)
		}
		a.store = s
	default:
		logger.Info("database sink: disabled")
		return sinks, nil
	}

	buf, err := storage.NewBuffer(a.store, logger, storage.BufferConfig{
		RunID:        a.runID,
		MaxSize:      cfg.StorageBatchSize,
		FlushTimeout: cfg.StorageFlushTimeout,
		Capacity:     cfg.StorageCapacity,
	})
	if err != nil {
		return nil, fmt.Errorf("kansoku: %w", err)
	}
	a.buf = buf
	logger.Info("database sink", "backend", cfg.Storage, "batch", cfg.StorageBatchSize, "capacity", cfg.StorageCapacity)
	return append(sinks, heldSink{buf}), nil
}

func (a *App) openCapture(src Source) error {
	cfg := a.cfg
	if src == nil {
		switch cfg.Source {
		case config.SourceLog:
			ls, err := capture.OpenLogSource(cfg.SourcePath)
			if err != nil {
				return fmt.Errorf("kansoku: %w", err)
			}
			src = ls
		default:
			syn, err := capture.NewSynthetic(capture.SyntheticConfig{
				FPS:      cfg.FPS,
				Count:    cfg.FrameCount,
				Duration: cfg.StreamLength,
				Realtime: cfg.Realtime,
				Width:    cfg.FrameWidth,
				Height:   cfg.FrameHeight,
			})
			if err != nil {
				return fmt.Errorf("kansoku: %w", err)
			}
			src = syn
		}
	}
	a.source = src

	m, err := a.registry.New(metrics.Config{
		Name:        "capture",
		Window:      a.cfg.MetricsWindow,
		ReportEvery: a.cfg.MetricsReportLog,
		IsFrames:    true,
	})
	if err != nil {
		return fmt.Errorf("kansoku: %w", err)
	}
	a.capturer, err = capture.New(capture.Config{Source: src, Frames: a.coord, Metrics: m, Logger: a.logger})
	if err != nil {
		return fmt.Errorf("kansoku: %w", err)
	}
	return nil
}

func (a *App) openServer() error {
	cfg, logger := a.cfg, a.logger

	var jwtMgr *auth.JWTManager
	if cfg.AuthRequired {
		var err error
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			return fmt.Errorf("kansoku: %w", err)
		}
		if cfg.JWTPrivateKeyPath == "" {
			logger.Warn("auth: using an ephemeral signing key, tokens do not survive a restart")
		}
	} else {
		logger.Warn("auth: disabled, stream and control endpoints are open")
	}

	a.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)
	if cfg.RateLimitRPS > 0 {
		logger.Info("rate limiting: memory (in-process token bucket)", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	if a.db != nil && cfg.NotifyURL != "" {
		a.broker = server.NewBroker(a.db, logger)
	} else {
		logger.Info("storage events: disabled (no notify connection)")
	}

	var mcpSrv *mcpserver.MCPServer
	if cfg.MCPEnabled {
		mcpSrv = mcp.New(a, logger, a.version).MCPServer()
		logger.Info("mcp: enabled at /mcp")
	}

	a.srv = server.New(server.ServerConfig{
		Pipeline:            a,
		Hub:                 a.hub,
		Logger:              logger,
		JWTMgr:              jwtMgr,
		Limiter:             a.limiter,
		Broker:              a.broker,
		MCPServer:           mcpSrv,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		EnableMetrics:       cfg.PrometheusMetrics,
		StreamWriteWait:     cfg.StreamWriteWait,
		StreamPingInterval:  cfg.StreamPingInterval,
		AllowedOrigins:      cfg.AllowedOrigins,
	})
	return nil
}

// Run starts every component and blocks until the stream ends, ctx is
// cancelled or a component fails. It then drains: in-flight frames finish
// (bounded by the shutdown timeout), pools stop, the driver flushes, the
// hub and HTTP server close, the database buffer drains and the log closes.
// Run may be called once.
func (a *App) Run(ctx context.Context) error {
	// Sinks and the writer outlive ctx; the drain sequence stops them.
	bg := context.WithoutCancel(ctx)
	if a.buf != nil {
		a.buf.Start(bg)
	}
	a.driver.Start(bg)
	for _, p := range a.pools {
		if err := p.Start(bg); err != nil {
			_ = a.shutdown()
			return fmt.Errorf("kansoku: %w", err)
		}
	}

	captureCtx, stopCapture := context.WithCancel(ctx)
	defer stopCapture()
	brokerCtx, stopBroker := context.WithCancel(bg)
	defer stopBroker()

	var g errgroup.Group
	captureDone := make(chan error, 1)
	g.Go(func() error {
		err := a.capturer.Run(captureCtx)
		captureDone <- err
		return err
	})
	serverErr := make(chan error, 1)
	if a.srv != nil {
		g.Go(func() error {
			if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				err = fmt.Errorf("kansoku: http server: %w", err)
				serverErr <- err
				return err
			}
			return nil
		})
	}
	if a.broker != nil {
		g.Go(func() error {
			a.broker.Start(brokerCtx)
			return nil
		})
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("kansoku: shutdown requested")
	case err := <-captureDone:
		if err != nil {
			runErr = err
		} else {
			a.logger.Info("kansoku: capture finished")
		}
	case <-a.fatal.Done():
		runErr = context.Cause(a.fatal)
	case err := <-serverErr:
		runErr = err
	}
	if runErr != nil {
		a.logger.Error("kansoku: stopping on error", "error", runErr)
	}

	stopCapture()
	shutdownErr := a.shutdown()
	stopBroker()

	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr == nil && a.fatal.Err() != nil {
		runErr = context.Cause(a.fatal)
	}
	return errors.Join(runErr, shutdownErr)
}

// shutdown runs the drain sequence. Every step runs even if an earlier one
// fails; the joined errors are returned.
func (a *App) shutdown() error {
	a.logger.Info("kansoku draining", "in_flight", a.coord.Stats().InFlight)
	a.coord.SetDraining()

	drainCtx, cancel := context.WithTimeout(a.fatal, a.cfg.ShutdownTimeout)
	if err := a.coord.WaitDrained(drainCtx); err != nil {
		a.logger.Warn("kansoku: frames still in flight at shutdown", "error", err)
	}
	cancel()

	for _, p := range a.pools {
		p.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.driver.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.hub.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("kansoku: http shutdown: %w", err))
		}
	}
	if a.buf != nil {
		if err := a.buf.Close(ctx); err != nil {
			a.logger.Error("database buffer drain incomplete, unflushed records will be lost",
				"error", err, "remaining", a.buf.Len())
			errs = append(errs, fmt.Errorf("kansoku: database drain: %w", err))
		}
		a.store = nil
	}
	if a.log != nil {
		if err := a.log.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.release(ctx)

	a.logger.Info("kansoku stopped",
		"frames", a.coord.Stats().Inserted,
		"flushed", a.driver.Stats().Flushed,
		"replayed_events", a.replaySupplied(),
	)
	return errors.Join(errs...)
}

// release closes resources that do not take part in the drain. It is also
// the cleanup path when New fails part way.
func (a *App) release(ctx context.Context) {
	if c, ok := a.source.(io.Closer); ok {
		_ = c.Close()
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.log != nil {
		_ = a.log.Close(ctx)
	}
	if a.store != nil {
		_ = a.store.Close(ctx)
		a.store = nil
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
		a.otelShutdown = nil
	}
}

func (a *App) addStage(st Stage) error {
	if st.Name == "" {
		return fmt.Errorf("kansoku: stage name is required: %w", ErrConfiguration)
	}
	if st.Process == nil {
		return fmt.Errorf("kansoku: stage %s: process is required: %w", st.Name, ErrConfiguration)
	}
	if st.Checkpoint == "" {
		st.Checkpoint = st.Name
	}
	if st.Workers <= 0 {
		st.Workers = 1
	}
	if err := a.coord.RegisterCheckpoint(st.Status, st.Checkpoint); err != nil {
		return fmt.Errorf("kansoku: stage %s: %w", st.Name, err)
	}
	m, err := a.registry.New(metrics.Config{
		Name:        st.Name,
		Window:      a.cfg.MetricsWindow,
		ReportEvery: a.cfg.MetricsReportLog,
	})
	if err != nil {
		return fmt.Errorf("kansoku: stage %s: %w", st.Name, err)
	}
	pool, err := workerpool.New(workerpool.Config{
		Name:    st.Name,
		Workers: st.Workers,
		Handler: a.stageHandler(st, m),
		Logger:  a.logger,
		OnError: a.onPipelineError,
	})
	if err != nil {
		return fmt.Errorf("kansoku: %w", err)
	}
	a.coord.OnStatusChange(st.Status, func(context.Context, *Frame) { pool.Wake() })
	a.pools = append(a.pools, pool)
	return nil
}

// stageHandler checks out one frame and processes it. A Process error that
// is not a configuration or usage error is logged, the frame is marked
// incomplete, and the checkpoint is still satisfied so the frame is not held
// forever.
func (a *App) stageHandler(st Stage, m *metrics.Metrics) workerpool.Handler {
	return func(ctx context.Context) (bool, error) {
		f, err := a.coord.Checkout(st.Status, st.Checkpoint)
		if err != nil {
			return false, err
		}
		if f == nil {
			return false, nil
		}

		tick := m.StartClock()
		if err := st.Process(ctx, f, a.driver); err != nil {
			if isFatal(err) {
				return true, fmt.Errorf("kansoku: stage %s: frame %d: %w", st.Name, f.Number(), err)
			}
			a.logger.Warn("stage: process failed", "stage", st.Name, "frame", f.Number(), "error", err)
			if err := a.driver.MarkIncomplete(f.Number()); err != nil {
				return true, fmt.Errorf("kansoku: stage %s: %w", st.Name, err)
			}
		}
		m.EndClock(tick, f.Timestamps().Start)

		if err := a.coord.SatisfyCheckpoint(ctx, f.Number(), st.Status, st.Checkpoint); err != nil {
			return true, err
		}
		return true, nil
	}
}

// onPipelineError receives failures from the driver, pools and replay.
// Configuration and usage errors stop the App; the rest are already logged
// by the component that raised them.
func (a *App) onPipelineError(err error) {
	if isFatal(err) {
		a.raiseFatal(err)
	}
}

func (a *App) onBacklogFull() {
	n := a.driver.FlagNextBasis()
	a.logger.Warn("stream backlog full, requesting a basis", "frame", n)
}

func isFatal(err error) bool {
	return errors.Is(err, ErrUsage) || errors.Is(err, ErrConfiguration)
}

func (a *App) replaySupplied() int64 {
	if a.replayer == nil {
		return 0
	}
	return a.replayer.Supplied()
}

// Status implements server.Pipeline.
func (a *App) Status(ctx context.Context) server.Status {
	st := server.Status{
		Frames: a.coord.Stats(),
		Output: a.driver.Stats(),
		Stages: a.registry.Snapshots(),
		Stream: a.hub.Stats(),
	}
	for _, p := range a.pools {
		st.Pools = append(st.Pools, p.Stats())
	}
	if a.buf != nil {
		ss := &server.StorageStatus{
			Backend:     a.cfg.Storage,
			Connected:   true,
			Pending:     a.buf.Len(),
			Capacity:    a.buf.Capacity(),
			Flushed:     a.buf.Flushed(),
			FlushErrors: a.buf.FlushErrors(),
			LastError:   a.buf.LastFlushError(),
		}
		if a.db != nil {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			ss.Connected = a.db.Ping(pingCtx) == nil
			cancel()
		}
		st.Storage = ss
	}
	if a.log != nil {
		st.Log = &server.LogStatus{Path: a.log.Path(), Records: a.log.Records(), Root: a.log.Root()}
	}
	return st
}

// RequestBasis implements server.Pipeline.
func (a *App) RequestBasis(frame *FrameNumber) (FrameNumber, error) {
	if a.coord.IsDrained() {
		return 0, fmt.Errorf("kansoku: request basis: %w", ErrClosed)
	}
	if frame == nil {
		return a.driver.FlagNextBasis(), nil
	}
	if err := a.driver.FlagBasis(*frame); err != nil {
		return 0, err
	}
	return *frame, nil
}

// Output returns the output driver, for components outside a stage that
// supply late fields.
func (a *App) Output() Output { return a.driver }

// RunID identifies this run in the database sink.
func (a *App) RunID() uuid.UUID { return a.runID }

// Handler returns the HTTP handler, or nil when HTTP is disabled.
func (a *App) Handler() http.Handler {
	if a.srv == nil {
		return nil
	}
	return a.srv.Handler()
}

// SetCapturePaused suspends or resumes frame capture. Stages keep working
// on frames already inserted.
func (a *App) SetCapturePaused(paused bool) { a.capturer.SetPaused(paused) }

// heldSink is a sink the App closes itself, after the HTTP server, instead
// of when the output driver closes.
type heldSink struct{ output.Sink }

func (heldSink) Close(context.Context) error { return nil }
