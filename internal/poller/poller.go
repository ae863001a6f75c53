package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/structlink/internal/api"
	"github.com/rickgao/structlink/internal/protocol"
)

// Fetcher reads structure state. *api.Client satisfies it.
type Fetcher interface {
	GetBlock(ctx context.Context, pos protocol.Position) (*protocol.Block, error)
	GetFuel(ctx context.Context) (*api.Fuel, error)
}

// Sample is one position read during a poll cycle.
type Sample struct {
	Position protocol.Position
	Block    *protocol.Block
	Previous string // block name from the previous successful read
	Changed  bool   // false on the first read of a position
	PolledAt time.Time
}

// SampleHandler receives polled samples.
type SampleHandler interface {
	HandleSample(s Sample) error
}

// SampleHandlerFunc is a function adapter for SampleHandler.
type SampleHandlerFunc func(Sample) error

func (f SampleHandlerFunc) HandleSample(s Sample) error {
	return f(s)
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 1m)
	Concurrency int           // Max concurrent requests (default: 4)
	Timeout     time.Duration // Per-request timeout (default: 10s)
	Positions   []protocol.Position
	Fuel        bool // also read the fuel gauge each cycle
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		Concurrency: 4,
		Timeout:     10 * time.Second,
		Fuel:        true,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Cycles  int64
	Fetched int64
	Changed int64
	Errors  int64
	Skipped int64

	// LastFuel is the gauge from the most recent successful read.
	LastFuel *api.Fuel
}

// Poller periodically reads watched positions.
type Poller struct {
	cfg     Config
	client  Fetcher
	ready   func() bool
	handler SampleHandler
	logger  *slog.Logger

	mu       sync.Mutex
	last     map[protocol.Position]string
	lastFuel *api.Fuel

	cycles, fetched, changed, errors, skipped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller. ready, if set, gates each cycle: cycles are
// skipped while it reports false.
func New(cfg Config, client Fetcher, ready func() bool, handler SampleHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:     cfg,
		client:  client,
		ready:   ready,
		handler: handler,
		logger:  logger.With("component", "poller"),
		last:    make(map[protocol.Position]string),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
		"positions", len(p.cfg.Positions),
	)
	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	fuel := p.lastFuel
	p.mu.Unlock()
	return Stats{
		Cycles:   p.cycles.Load(),
		Fetched:  p.fetched.Load(),
		Changed:  p.changed.Load(),
		Errors:   p.errors.Load(),
		Skipped:  p.skipped.Load(),
		LastFuel: fuel,
	}
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.pollAll()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAll()
		}
	}
}

// pollAll reads every watched position concurrently, then the fuel gauge.
func (p *Poller) pollAll() {
	if p.ready != nil && !p.ready() {
		p.skipped.Add(1)
		p.logger.Debug("connection not ready, skipping poll cycle")
		return
	}

	start := time.Now()
	p.cycles.Add(1)

	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	var fetched, failed atomic.Int64

	for _, pos := range p.cfg.Positions {
		wg.Add(1)
		go func(pos protocol.Position) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-p.ctx.Done():
				return
			}

			if err := p.pollPosition(pos); err != nil {
				p.logger.Warn("failed to poll position",
					"x", pos.X, "y", pos.Y, "z", pos.Z,
					"kind", protocol.KindOf(err),
					"error", err,
				)
				failed.Add(1)
				return
			}
			fetched.Add(1)
		}(pos)
	}

	wg.Wait()

	if p.cfg.Fuel {
		p.pollFuel()
	}

	p.fetched.Add(fetched.Load())
	p.errors.Add(failed.Load())

	p.logger.Debug("poll cycle complete",
		"positions", len(p.cfg.Positions),
		"fetched", fetched.Load(),
		"errors", failed.Load(),
		"duration", time.Since(start),
	)
}

func (p *Poller) pollPosition(pos protocol.Position) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	block, err := p.client.GetBlock(ctx, pos)
	if err != nil {
		return err
	}

	p.mu.Lock()
	prev, seen := p.last[pos]
	p.last[pos] = block.Name
	p.mu.Unlock()

	sample := Sample{
		Position: pos,
		Block:    block,
		Previous: prev,
		Changed:  seen && prev != block.Name,
		PolledAt: time.Now(),
	}
	if sample.Changed {
		p.changed.Add(1)
	}

	if p.handler != nil {
		return p.handler.HandleSample(sample)
	}
	return nil
}

func (p *Poller) pollFuel() {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	fuel, err := p.client.GetFuel(ctx)
	if err != nil {
		p.errors.Add(1)
		p.logger.Warn("failed to read fuel", "kind", protocol.KindOf(err), "error", err)
		return
	}

	p.mu.Lock()
	p.lastFuel = fuel
	p.mu.Unlock()
	p.logger.Debug("fuel gauge", "level", fuel.Level, "capacity", fuel.Capacity)
}
