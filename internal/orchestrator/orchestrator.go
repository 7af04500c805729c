// Package orchestrator runs deployment executions through the phase state
// machine, hands failures to classification and recovery, and reports progress
// to the status monitor and the event stream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nholik/deployguard/internal/agent"
	"github.com/nholik/deployguard/internal/compose"
	"github.com/nholik/deployguard/internal/config"
	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/diagnosis"
	"github.com/nholik/deployguard/internal/events"
	"github.com/nholik/deployguard/internal/metrics"
	"github.com/nholik/deployguard/internal/probe"
	"github.com/nholik/deployguard/internal/recovery"
	"github.com/nholik/deployguard/internal/status"
	"github.com/nholik/deployguard/internal/store"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned for an unknown execution id.
	ErrNotFound = errors.New("execution not found")
	// ErrNotCancellable is returned when cancelling an execution that already ended.
	ErrNotCancellable = errors.New("execution is not cancellable")
	// ErrAlreadyActive is returned when a deployment already has a running execution.
	ErrAlreadyActive = errors.New("deployment already has an active execution")
)

// StatusTracker is the part of the status monitor the orchestrator pushes to.
type StatusTracker interface {
	Register(ctx context.Context, reg status.Registration) (*deploy.DeploymentStatus, error)
	UpdatePhase(ctx context.Context, deploymentID string, phase deploy.Phase) error
	UpdateInfrastructure(ctx context.Context, deploymentID string, infra deploy.InfrastructureStatus) error
	SeedServices(ctx context.Context, deploymentID string, services []deploy.ServiceStatus) error
	AddIssue(ctx context.Context, deploymentID string, issue deploy.Issue) (deploy.Issue, error)
	ResolveIssues(ctx context.Context, deploymentID string, match func(deploy.Issue) bool) ([]deploy.Issue, error)
}

var _ StatusTracker = (*status.Monitor)(nil)

// DiagnosticsCollector snapshots a server after a failure so diagnosis can
// look at its load, services and logs.
type DiagnosticsCollector interface {
	Collect(ctx context.Context, deploymentID string, infra deploy.InfrastructureStatus, authToken string) (*deploy.Diagnostics, error)
}

var _ DiagnosticsCollector = (*probe.AgentProber)(nil)

// Settings bounds recovery and pipeline duration.
type Settings struct {
	MaxRecoveryAttempts int
	PipelineTimeout     time.Duration
	Timeouts            recovery.Timeouts
	Costs               diagnosis.Costs
}

// DefaultSettings returns the stock limits.
func DefaultSettings() Settings {
	return Settings{
		MaxRecoveryAttempts: 3,
		PipelineTimeout:     2 * time.Hour,
		Timeouts:            recovery.DefaultTimeouts(5 * time.Minute),
		Costs:               diagnosis.Costs{HourlyDowntime: 50, ServerMonthly: 24},
	}
}

// SettingsFromConfig builds orchestrator settings from process configuration.
func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		MaxRecoveryAttempts: cfg.MaxRecoveryAttempts,
		PipelineTimeout:     cfg.PipelineTimeout,
		Timeouts:            recovery.DefaultTimeouts(cfg.ActionTimeout),
		Costs: diagnosis.Costs{
			HourlyDowntime: cfg.HourlyDowntimeCost,
			ServerMonthly:  cfg.AssumedServerMonthlyCost,
		},
	}
}

// Orchestrator owns every execution started in this process.
type Orchestrator struct {
	logger    zerolog.Logger
	caller    agent.Caller
	store     store.Executions
	tracker   StatusTracker
	diagnoser diagnosis.Diagnoser
	collector DiagnosticsCollector
	executor  *recovery.Executor
	fetcher   compose.Fetcher
	publisher events.Publisher
	metrics   *metrics.Metrics
	settings  Settings
	now       func() time.Time
	newID     func() string

	mu     sync.Mutex
	runs   map[string]*run
	active map[string]string
}

// run is the live state of one execution. exec is guarded by mu; stop is
// closed once when the execution is cancelled. pushMu orders phase pushes to
// the status monitor.
type run struct {
	mu       sync.Mutex
	exec     *deploy.Execution
	req      deploy.Request
	expected []deploy.ServiceStatus
	pushMu   sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (r *run) cancel() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDiagnoser replaces the rule-based diagnoser.
func WithDiagnoser(d diagnosis.Diagnoser) Option {
	return func(o *Orchestrator) {
		if d != nil {
			o.diagnoser = d
		}
	}
}

// WithDiagnosticsCollector replaces the agent-backed diagnostics collector.
func WithDiagnosticsCollector(c DiagnosticsCollector) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.collector = c
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = collector
	}
}

// WithSettings overrides recovery and deadline limits.
func WithSettings(s Settings) Option {
	return func(o *Orchestrator) {
		o.settings = s
	}
}

// WithComposeFetcher enables fetching compose files that analysis reports by URL.
func WithComposeFetcher(f compose.Fetcher) Option {
	return func(o *Orchestrator) {
		o.fetcher = f
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New returns an orchestrator that reaches remote subsystems through caller,
// records executions in st and pushes deployment progress to tracker.
func New(logger zerolog.Logger, caller agent.Caller, st store.Executions, tracker StatusTracker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		caller:    caller,
		store:     st,
		tracker:   tracker,
		publisher: events.Nop{},
		settings:  DefaultSettings(),
		now:       time.Now,
		newID:     uuid.NewString,
		runs:      make(map[string]*run),
		active:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.diagnoser == nil {
		o.diagnoser = diagnosis.NewRuleBased(o.settings.Costs)
	}
	if o.collector == nil {
		o.collector = probe.NewAgentProber(caller, "")
	}
	if o.settings.MaxRecoveryAttempts < 0 {
		o.settings.MaxRecoveryAttempts = 0
	}
	o.executor = recovery.NewExecutor(o.logger, caller, recovery.WithClock(o.now))
	return o
}

// Start creates an execution for req, registers it with the status monitor and
// runs the pipeline in the background. It returns the pending execution.
func (o *Orchestrator) Start(ctx context.Context, req deploy.Request) (*deploy.Execution, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = o.newID()
	}
	if req.DeploymentID == "" {
		req.DeploymentID = o.newID()
	}

	now := o.now()
	exec := &deploy.Execution{
		ID:           o.newID(),
		RequestID:    req.ID,
		DeploymentID: req.DeploymentID,
		WorkspaceID:  req.WorkspaceID,
		UserID:       req.UserID,
		Phase:        deploy.PhaseInitializing,
		Status:       deploy.StatusPending,
		StartedAt:    now,
		UpdatedAt:    now,
		Steps:        []deploy.Step{},
		Errors:       []*deploy.Error{},
	}
	r := &run{
		exec: exec,
		req:  req,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	o.mu.Lock()
	if existing, ok := o.active[req.DeploymentID]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (execution %s)", ErrAlreadyActive, req.DeploymentID, existing)
	}
	o.active[req.DeploymentID] = exec.ID
	o.runs[exec.ID] = r
	o.mu.Unlock()

	if err := o.store.SaveExecution(ctx, exec.Clone()); err != nil {
		o.forget(r)
		return nil, fmt.Errorf("save execution: %w", err)
	}
	if _, err := o.tracker.Register(ctx, status.Registration{
		DeploymentID: req.DeploymentID,
		ExecutionID:  exec.ID,
		WorkspaceID:  req.WorkspaceID,
		UserID:       req.UserID,
	}); err != nil {
		o.forget(r)
		return nil, fmt.Errorf("register deployment status: %w", err)
	}

	o.logger.Info().
		Str("execution_id", exec.ID).
		Str("deployment_id", req.DeploymentID).
		Str("app", req.AppName).
		Msg("deployment execution started")

	snapshot := exec.Clone()
	go o.execute(context.WithoutCancel(ctx), r)
	return snapshot, nil
}

func validateRequest(req deploy.Request) error {
	var missing []string
	if strings.TrimSpace(req.AppName) == "" {
		missing = append(missing, "app name")
	}
	if strings.TrimSpace(req.RepoURL) == "" {
		missing = append(missing, "repository url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid deployment request: %s required", strings.Join(missing, " and "))
	}
	return nil
}

// Get returns a snapshot of the execution.
func (o *Orchestrator) Get(ctx context.Context, id string) (*deploy.Execution, error) {
	if r := o.lookup(id); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.exec.Clone(), nil
	}
	exec, err := o.store.GetExecution(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// List returns executions matching the filter, oldest first.
func (o *Orchestrator) List(ctx context.Context, filter store.ExecutionFilter) ([]*deploy.Execution, error) {
	return o.store.ListExecutions(ctx, filter)
}

// Cancel marks a pending, running or recovering execution cancelled. The
// pipeline notices at its next phase boundary or recovery action; a remote call
// already in flight is not interrupted and its result is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*deploy.Execution, error) {
	r := o.lookup(id)
	if r == nil {
		exec, err := o.store.GetExecution(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if !exec.Status.Cancellable() {
			return nil, ErrNotCancellable
		}
		// Orphaned by a previous process; nothing is running it.
		return nil, fmt.Errorf("%w: execution %s is not owned by this process", ErrNotCancellable, id)
	}

	r.mu.Lock()
	if !r.exec.Status.Cancellable() {
		r.mu.Unlock()
		return nil, ErrNotCancellable
	}
	now := o.now()
	r.exec.Status = deploy.StatusCancelled
	r.exec.EndedAt = &now
	r.exec.UpdatedAt = now
	snapshot := r.exec.Clone()
	if err := o.store.SaveExecution(ctx, snapshot); err != nil {
		o.logger.Error().Err(err).Str("execution_id", id).Msg("failed to save cancelled execution")
	}
	r.mu.Unlock()

	r.cancel()
	o.release(r)
	o.metrics.IncExecutions(string(deploy.StatusCancelled))
	o.pushPhase(ctx, r, deploy.PhaseFailed)
	o.logger.Info().Str("execution_id", id).Str("deployment_id", snapshot.DeploymentID).Msg("deployment execution cancelled")
	o.publish(ctx, events.Event{
		Name:      events.DeploymentCancelled,
		Execution: snapshot,
		Message:   "cancelled by request",
	})
	return snapshot.Clone(), nil
}

// Wait blocks until the execution's pipeline has stopped or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*deploy.Execution, error) {
	r := o.lookup(id)
	if r == nil {
		return o.Get(ctx, id)
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return o.Get(ctx, id)
}

// Active reports the number of executions that have not reached a terminal status.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

func (o *Orchestrator) lookup(id string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[id]
}

func (o *Orchestrator) release(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[r.req.DeploymentID] == r.exec.ID {
		delete(o.active, r.req.DeploymentID)
	}
}

func (o *Orchestrator) forget(r *run) {
	o.release(r)
	o.mu.Lock()
	delete(o.runs, r.exec.ID)
	o.mu.Unlock()
}

// mutate applies fn to the execution and saves a snapshot, unless the
// execution already reached a terminal status.
func (o *Orchestrator) mutate(ctx context.Context, r *run, fn func(*deploy.Execution)) (*deploy.Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exec.Status.Terminal() {
		return nil, false
	}
	fn(r.exec)
	r.exec.UpdatedAt = o.now()
	snapshot := r.exec.Clone()
	if err := o.store.SaveExecution(ctx, snapshot); err != nil {
		o.logger.Error().Err(err).Str("execution_id", r.exec.ID).Msg("failed to save execution")
	}
	return snapshot, true
}

func (o *Orchestrator) publish(ctx context.Context, event events.Event) {
	if event.Execution != nil {
		event.ExecutionID = event.Execution.ID
		event.DeploymentID = event.Execution.DeploymentID
		event.WorkspaceID = event.Execution.WorkspaceID
	}
	o.publisher.Publish(ctx, event)
}

func (o *Orchestrator) pushPhase(ctx context.Context, r *run, phase deploy.Phase) {
	r.pushMu.Lock()
	defer r.pushMu.Unlock()
	if phase != deploy.PhaseFailed && phase != deploy.PhaseCompleted {
		// A cancel may land between a phase's state change and its push.
		r.mu.Lock()
		ended := r.exec.Status.Terminal()
		r.mu.Unlock()
		if ended {
			return
		}
	}
	if err := o.tracker.UpdatePhase(ctx, r.req.DeploymentID, phase); err != nil {
		o.logger.Warn().Err(err).Str("deployment_id", r.req.DeploymentID).Str("phase", string(phase)).Msg("failed to push phase to status monitor")
	}
}
