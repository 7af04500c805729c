package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nholik/deployguard/internal/events"
	"github.com/nholik/deployguard/internal/healthcheck"
	"github.com/nholik/deployguard/internal/state"
	"github.com/nholik/deployguard/internal/status"
	"github.com/rs/zerolog"
)

// Ticker is the minimal interface needed for driving the runner loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// Reconciler runs one health reconciliation cycle.
type Reconciler interface {
	Reconcile(ctx context.Context) (status.CycleResult, error)
}

var _ Reconciler = (*status.Monitor)(nil)

// Runner drives a periodic cycle. By default the cycle reconciles deployment
// health and reports level transitions.
type Runner struct {
	logger        zerolog.Logger
	interval      time.Duration
	tickerFactory func(time.Duration) Ticker
	runOnce       func(context.Context) error
	reconciler    Reconciler
	publisher     events.Publisher
	tracker       *healthcheck.Tracker
	stateStore    state.Store
	stateMu       *sync.Mutex
}

// Option customizes runner behavior.
type Option func(*Runner)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(r *Runner) {
		r.tickerFactory = factory
	}
}

// WithRunOnce overrides the single-cycle execution step.
func WithRunOnce(runOnce func(context.Context) error) Option {
	return func(r *Runner) {
		r.runOnce = runOnce
	}
}

// WithReconciler sets the reconciler used by the default RunOnce.
func WithReconciler(rec Reconciler) Option {
	return func(r *Runner) {
		r.reconciler = rec
	}
}

// WithPublisher sets where health_status_changed events go.
func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithTracker records cycle timing for the health endpoints.
func WithTracker(tracker *healthcheck.Tracker) Option {
	return func(r *Runner) {
		r.tracker = tracker
	}
}

// WithStateStore enables state persistence for transitions.
func WithStateStore(store state.Store, lock *sync.Mutex) Option {
	return func(r *Runner) {
		r.stateStore = store
		r.stateMu = lock
	}
}

// New constructs a Runner with the given logger and interval.
func New(logger zerolog.Logger, interval time.Duration, opts ...Option) *Runner {
	r := &Runner{
		logger:    logger,
		interval:  interval,
		publisher: events.Nop{},
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
	}
	r.runOnce = r.reconcileOnce

	for _, opt := range opts {
		opt(r)
	}
	if r.stateStore != nil && r.stateMu == nil {
		r.stateMu = &sync.Mutex{}
	}

	return r
}

// Run starts the main loop and blocks until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return errors.New("interval must be greater than zero")
	}

	// Run immediately on startup
	if err := r.RunOnce(ctx); err != nil {
		r.logCycleError(err, "initial run cycle failed")
	}

	ticker := r.tickerFactory(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("runner stopped")
			return nil
		case <-ticker.C():
			if err := r.RunOnce(ctx); err != nil {
				r.logCycleError(err, "run cycle failed")
			}
		}
	}
}

// RunOnce executes a single cycle of the runner.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.runOnce(ctx)
}

func (r *Runner) logCycleError(err error, msg string) {
	event := r.logger.Error().Err(err)
	var ce *CycleError
	if errors.As(err, &ce) {
		event = event.Str("op", ce.Op)
	}
	event.Msg(msg)
}
