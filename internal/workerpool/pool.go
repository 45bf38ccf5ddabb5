// Package workerpool runs a fixed number of goroutines that repeatedly call a
// handler until stopped. Workers back off exponentially while the handler
// reports no work and can be woken early by Wake.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

const (
	defaultMinBackoff = time.Millisecond
	defaultMaxBackoff = 100 * time.Millisecond
)

// Handler performs at most one unit of work. It reports whether work was
// done; an error stops the worker and is passed to Config.OnError.
type Handler func(ctx context.Context) (bool, error)

// Config describes a pool.
type Config struct {
	Name    string
	Workers int
	Handler Handler

	// Initializer and Deinitializer run once per worker goroutine, before the
	// first and after the last handler call. Worker indexes start at 0.
	Initializer   func(worker int) error
	Deinitializer func(worker int)

	MinBackoff time.Duration // Idle sleep after the first empty call. Default: 1ms.
	MaxBackoff time.Duration // Idle sleep ceiling. Default: 100ms.

	Logger  *slog.Logger
	OnError func(err error)
}

// Stats counts handler calls across all workers.
type Stats struct {
	Name       string `json:"name"`
	Workers    int    `json:"workers"`
	Paused     bool   `json:"paused"`
	Iterations int64  `json:"iterations"`
	Idle       int64  `json:"idle"`
	Errors     int64  `json:"errors"`
}

// Pool is a group of identical workers.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	paused atomic.Bool

	wakeMu sync.Mutex
	wakeCh chan struct{} // closed and replaced by Wake

	iterations atomic.Int64
	idle       atomic.Int64
	errors     atomic.Int64
}

// New validates cfg and creates a pool. Call Start to launch the workers.
func New(cfg Config) (*Pool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("workerpool: name is required: %w", model.ErrConfiguration)
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workerpool: %s: workers must be positive, got %d: %w", cfg.Name, cfg.Workers, model.ErrConfiguration)
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("workerpool: %s: handler is required: %w", cfg.Name, model.ErrConfiguration)
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		return nil, fmt.Errorf("workerpool: %s: max backoff %s below min backoff %s: %w", cfg.Name, cfg.MaxBackoff, cfg.MinBackoff, model.ErrConfiguration)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:    cfg,
		logger: logger.With("pool", cfg.Name),
		stopCh: make(chan struct{}),
		wakeCh: make(chan struct{}),
	}, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.cfg.Name }

// Start launches the workers. The context is passed to every handler call
// and cancelled by Stop. Start may be called once.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("workerpool: %s: already started: %w", p.cfg.Name, model.ErrUsage)
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := range p.cfg.Workers {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Debug("workerpool: started", "workers", p.cfg.Workers)
	return nil
}

// Stop signals every worker to exit, wakes sleeping ones, and waits for them.
// Safe to call more than once and from any goroutine other than a worker.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.cancel != nil {
			p.cancel()
		}
	})
	p.wg.Wait()
}

// Wake interrupts the backoff sleep of every idle worker.
func (p *Pool) Wake() {
	p.wakeMu.Lock()
	close(p.wakeCh)
	p.wakeCh = make(chan struct{})
	p.wakeMu.Unlock()
}

// SetPaused stops (true) or resumes (false) handler calls. Paused workers
// sleep at the maximum backoff.
func (p *Pool) SetPaused(paused bool) {
	if p.paused.Swap(paused) != paused && !paused {
		p.Wake()
	}
}

// Stats returns call counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:       p.cfg.Name,
		Workers:    p.cfg.Workers,
		Paused:     p.paused.Load(),
		Iterations: p.iterations.Load(),
		Idle:       p.idle.Load(),
		Errors:     p.errors.Load(),
	}
}

func (p *Pool) wakeChan() <-chan struct{} {
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()
	return p.wakeCh
}

func (p *Pool) stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Pool) run(ctx context.Context, worker int) {
	defer p.wg.Done()

	if p.cfg.Initializer != nil {
		if err := p.cfg.Initializer(worker); err != nil {
			p.fail(fmt.Errorf("workerpool: %s: initialize worker %d: %w", p.cfg.Name, worker, err))
			return
		}
	}
	if p.cfg.Deinitializer != nil {
		defer p.cfg.Deinitializer(worker)
	}

	backoff := time.Duration(0)
	for !p.stopping() {
		// Grab the wake channel before the handler runs so a Wake issued
		// while it runs still cuts the following sleep short.
		wake := p.wakeChan()

		if p.paused.Load() {
			p.sleep(p.cfg.MaxBackoff, wake)
			continue
		}

		p.iterations.Add(1)
		didWork, err := p.cfg.Handler(ctx)
		if err != nil {
			if ctx.Err() != nil && p.stopping() {
				return
			}
			p.fail(fmt.Errorf("workerpool: %s: worker %d: %w", p.cfg.Name, worker, err))
			return
		}
		if didWork {
			backoff = 0
			continue
		}

		p.idle.Add(1)
		switch {
		case backoff == 0:
			backoff = p.cfg.MinBackoff
		case backoff < p.cfg.MaxBackoff:
			backoff = min(backoff*2, p.cfg.MaxBackoff)
		}
		p.sleep(backoff, wake)
	}
}

func (p *Pool) sleep(d time.Duration, wake <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-wake:
	case <-p.stopCh:
	}
}

func (p *Pool) fail(err error) {
	p.errors.Add(1)
	p.logger.Error("workerpool: worker failed", "error", err)
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}
