package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/nholik/deployguard/internal/config"
	"github.com/nholik/deployguard/internal/events"
	"github.com/nholik/deployguard/internal/healthcheck"
	"github.com/nholik/deployguard/internal/metrics"
	"github.com/nholik/deployguard/internal/runner"
	"github.com/nholik/deployguard/internal/server"
	"github.com/nholik/deployguard/internal/state"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	healthRunner = "health"
	zombieRunner = "zombie"
)

// Monitor is the part of the status monitor the background loops drive.
type Monitor interface {
	runner.Reconciler
	runner.ZombieDetector
}

// Service is a long-running component stopped by context cancellation, such
// as a notification sink.
type Service interface {
	Run(ctx context.Context) error
}

// Coordinator runs the health reconciliation loop, the zombie detection loop,
// the ops server and any attached services until the context is cancelled.
type Coordinator struct {
	logger     zerolog.Logger
	cfg        config.Config
	monitor    Monitor
	tracker    *healthcheck.Tracker
	metrics    *metrics.Metrics
	publisher  events.Publisher
	stateStore state.Store
	stateMu    *sync.Mutex
	services   map[string]Service
	runnerOpts []runner.Option
	runners    map[string]*runner.Runner
	mu         sync.RWMutex
}

// Option customizes the coordinator.
type Option func(*Coordinator)

// WithTracker records cycle timing for /healthz and /readyz.
func WithTracker(tracker *healthcheck.Tracker) Option {
	return func(c *Coordinator) {
		c.tracker = tracker
	}
}

// WithMetrics exposes collectors on the metrics port.
func WithMetrics(collector *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = collector
	}
}

// WithPublisher sets where health transition events go.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) {
		c.publisher = p
	}
}

// WithStateStore persists level snapshots between cycles.
func WithStateStore(store state.Store, lock *sync.Mutex) Option {
	return func(c *Coordinator) {
		c.stateStore = store
		c.stateMu = lock
	}
}

// WithService runs an extra component alongside the loops.
func WithService(name string, svc Service) Option {
	return func(c *Coordinator) {
		if svc != nil {
			c.services[name] = svc
		}
	}
}

// WithRunnerOptions appends options to every runner the coordinator creates.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(c *Coordinator) {
		c.runnerOpts = append(c.runnerOpts, opts...)
	}
}

// New constructs a Coordinator.
func New(logger zerolog.Logger, cfg config.Config, monitor Monitor, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:    logger,
		cfg:       cfg,
		monitor:   monitor,
		publisher: events.Nop{},
		services:  make(map[string]Service),
		runners:   make(map[string]*runner.Runner),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.stateStore == nil {
		c.stateStore = state.NewMemoryStore()
	}
	return c
}

// Run starts everything and blocks until ctx is cancelled or a component
// fails to start.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info().
		Dur("health_interval", c.cfg.HealthInterval).
		Dur("zombie_interval", c.cfg.ZombieInterval).
		Int("services", len(c.services)).
		Msg("starting coordinator")

	server.Start(ctx, c.logger, server.Options{
		HealthPort:     c.cfg.HealthPort,
		MetricsPort:    c.cfg.MetricsPort,
		HealthInterval: c.cfg.HealthInterval,
		Tracker:        c.tracker,
		Metrics:        c.metrics,
	})

	g, gctx := errgroup.WithContext(ctx)

	health := c.newRunner(healthRunner, c.cfg.HealthInterval,
		runner.WithReconciler(c.monitor),
		runner.WithPublisher(c.publisher),
		runner.WithTracker(c.tracker),
		runner.WithStateStore(c.stateStore, c.stateMu),
	)
	zombieLogger := c.logger.With().Str("runner", zombieRunner).Logger()
	zombies := c.newRunner(zombieRunner, c.cfg.ZombieInterval,
		runner.WithRunOnce(runner.ZombieCycle(zombieLogger, c.monitor, c.tracker)),
	)

	for name, r := range map[string]*runner.Runner{healthRunner: health, zombieRunner: zombies} {
		name, r := name, r
		g.Go(func() error {
			c.logger.Info().Str("runner", name).Msg("runner started")
			if err := r.Run(gctx); err != nil {
				c.logger.Error().Err(err).Str("runner", name).Msg("runner exited with error")
				return err
			}
			c.logger.Info().Str("runner", name).Msg("runner exited cleanly")
			return nil
		})
	}

	for name, svc := range c.services {
		name, svc := name, svc
		g.Go(func() error {
			if err := svc.Run(gctx); err != nil {
				c.logger.Error().Err(err).Str("service", name).Msg("service exited with error")
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	c.logger.Info().Msg("all runners stopped")
	return err
}

func (c *Coordinator) newRunner(name string, interval time.Duration, opts ...runner.Option) *runner.Runner {
	all := append(append([]runner.Option{}, opts...), c.runnerOpts...)
	r := runner.New(c.logger.With().Str("runner", name).Logger(), interval, all...)

	c.mu.Lock()
	c.runners[name] = r
	c.mu.Unlock()
	return r
}

// GetRunners returns a copy of the runners map for testing.
func (c *Coordinator) GetRunners() map[string]*runner.Runner {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]*runner.Runner, len(c.runners))
	for k, v := range c.runners {
		result[k] = v
	}
	return result
}
