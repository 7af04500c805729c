// Package status tracks the health, cost and abandonment risk of deployed
// resources independently of the orchestrator's execution records.
package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nholik/deployguard/internal/config"
	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/events"
	"github.com/nholik/deployguard/internal/metrics"
	"github.com/nholik/deployguard/internal/store"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned for an unknown deployment id.
	ErrNotFound = errors.New("deployment status not found")
	// ErrIssueNotFound is returned when resolving an issue that is not open.
	ErrIssueNotFound = errors.New("issue not found")
)

// Settings tunes scoring, zombie detection and probing.
type Settings struct {
	Scoring                  config.Scoring
	FailedDwell              time.Duration
	AbandonAfter             time.Duration
	AssumedServerMonthlyCost float64
	ProbeTimeout             time.Duration
	ProbeConcurrency         int
}

// DefaultSettings returns the stock thresholds.
func DefaultSettings() Settings {
	return Settings{
		Scoring:                  config.DefaultScoring(),
		FailedDwell:              time.Hour,
		AbandonAfter:             2 * time.Hour,
		AssumedServerMonthlyCost: 24,
		ProbeTimeout:             15 * time.Second,
		ProbeConcurrency:         8,
	}
}

// SettingsFromConfig builds monitor settings from process configuration.
func SettingsFromConfig(cfg config.Config, scoring config.Scoring) Settings {
	s := DefaultSettings()
	s.Scoring = scoring
	s.FailedDwell = cfg.ZombieFailedDwell
	s.AbandonAfter = cfg.ZombieAbandonAfter
	s.AssumedServerMonthlyCost = cfg.AssumedServerMonthlyCost
	s.ProbeTimeout = cfg.ProbeTimeout
	return s
}

// Registration links a new execution to a deployment status record.
type Registration struct {
	DeploymentID string
	ExecutionID  string
	WorkspaceID  string
	UserID       string
}

// Monitor owns the DeploymentStatus records. Mutations are serialized by a
// single mutex; probes run outside of it.
type Monitor struct {
	logger    zerolog.Logger
	store     store.Statuses
	prober    Prober
	publisher events.Publisher
	metrics   *metrics.Metrics
	settings  Settings
	now       func() time.Time
	newID     func() string

	mu sync.Mutex
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProber sets the health prober used by Reconcile.
func WithProber(p Prober) Option {
	return func(m *Monitor) {
		m.prober = p
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(m *Monitor) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = collector
	}
}

// WithSettings overrides thresholds.
func WithSettings(s Settings) Option {
	return func(m *Monitor) {
		m.settings = s
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New returns a monitor backed by st.
func New(logger zerolog.Logger, st store.Statuses, opts ...Option) *Monitor {
	m := &Monitor{
		logger:    logger.With().Str("component", "status").Logger(),
		store:     st,
		publisher: events.Nop{},
		settings:  DefaultSettings(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.settings.ProbeConcurrency <= 0 {
		m.settings.ProbeConcurrency = 1
	}
	return m
}

// Register creates the status record for a deployment, or relinks an existing
// one to a new execution. Existing infrastructure is kept.
func (m *Monitor) Register(ctx context.Context, reg Registration) (*deploy.DeploymentStatus, error) {
	if reg.DeploymentID == "" {
		return nil, errors.New("deployment id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s, err := m.store.GetStatus(ctx, reg.DeploymentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s = &deploy.DeploymentStatus{
			DeploymentID:   reg.DeploymentID,
			WorkspaceID:    reg.WorkspaceID,
			UserID:         reg.UserID,
			CreatedAt:      now,
			Infrastructure: []deploy.InfrastructureStatus{},
			Issues:         []deploy.Issue{},
			Warnings:       []deploy.Warning{},
			History:        []deploy.HistoryEntry{},
		}
	case err != nil:
		return nil, fmt.Errorf("load status %s: %w", reg.DeploymentID, err)
	}

	s.ExecutionID = reg.ExecutionID
	s.Phase = deploy.PhaseInitializing
	s.LastUpdated = now
	m.recompute(s, now)
	s.History = append(s.History, deploy.HistoryEntry{At: now, Phase: s.Phase, Level: s.Level, Score: s.HealthScore, Note: "execution " + reg.ExecutionID + " registered"})

	if err := m.store.SaveStatus(ctx, s); err != nil {
		return nil, fmt.Errorf("save status %s: %w", reg.DeploymentID, err)
	}
	m.metrics.SetHealthScore(s.DeploymentID, s.HealthScore)
	return s.Clone(), nil
}

// UpdatePhase records the deployment's current pipeline phase.
func (m *Monitor) UpdatePhase(ctx context.Context, deploymentID string, phase deploy.Phase) error {
	_, err := m.mutate(ctx, deploymentID, true, func(s *deploy.DeploymentStatus) error {
		s.Phase = phase
		return nil
	})
	return err
}

// UpdateInfrastructure adds or replaces a resource by id. CreatedAt and known
// services are kept when the update leaves them empty.
func (m *Monitor) UpdateInfrastructure(ctx context.Context, deploymentID string, infra deploy.InfrastructureStatus) error {
	if infra.ID == "" {
		return errors.New("resource id is required")
	}
	_, err := m.mutate(ctx, deploymentID, true, func(s *deploy.DeploymentStatus) error {
		for i, existing := range s.Infrastructure {
			if existing.ID != infra.ID {
				continue
			}
			if infra.CreatedAt.IsZero() {
				infra.CreatedAt = existing.CreatedAt
			}
			if infra.Services == nil {
				infra.Services = existing.Services
			}
			if infra.LastHealthCheck == nil {
				infra.LastHealthCheck = existing.LastHealthCheck
				infra.LastCheckResult = existing.LastCheckResult
			}
			s.Infrastructure[i] = infra
			return nil
		}
		if infra.CreatedAt.IsZero() {
			infra.CreatedAt = m.now()
		}
		s.Infrastructure = append(s.Infrastructure, infra)
		return nil
	})
	return err
}

// SeedServices sets the expected processes on every resource that has none yet.
func (m *Monitor) SeedServices(ctx context.Context, deploymentID string, services []deploy.ServiceStatus) error {
	if len(services) == 0 {
		return nil
	}
	_, err := m.mutate(ctx, deploymentID, true, func(s *deploy.DeploymentStatus) error {
		for i := range s.Infrastructure {
			if len(s.Infrastructure[i].Services) > 0 {
				continue
			}
			seeded := make([]deploy.ServiceStatus, len(services))
			for j, svc := range services {
				if svc.State == "" {
					svc.State = deploy.ServiceUnknown
				}
				seeded[j] = svc
			}
			s.Infrastructure[i].Services = seeded
		}
		return nil
	})
	return err
}

// AddIssue opens an issue and recomputes the level.
func (m *Monitor) AddIssue(ctx context.Context, deploymentID string, issue deploy.Issue) (deploy.Issue, error) {
	if issue.ID == "" {
		issue.ID = m.newID()
	}
	if issue.DetectedAt.IsZero() {
		issue.DetectedAt = m.now()
	}
	s, err := m.mutate(ctx, deploymentID, true, func(s *deploy.DeploymentStatus) error {
		s.Issues = append(s.Issues, issue)
		return nil
	})
	if err != nil {
		return deploy.Issue{}, err
	}
	published := issue
	m.publisher.Publish(ctx, events.Event{
		Name:         events.IssueDetected,
		DeploymentID: deploymentID,
		ExecutionID:  s.ExecutionID,
		WorkspaceID:  s.WorkspaceID,
		Issue:        &published,
		Message:      issue.Title,
	})
	return issue, nil
}

// ResolveIssue removes an open issue and recomputes the level.
func (m *Monitor) ResolveIssue(ctx context.Context, deploymentID, issueID string) error {
	var resolved deploy.Issue
	s, err := m.mutate(ctx, deploymentID, true, func(s *deploy.DeploymentStatus) error {
		for i, issue := range s.Issues {
			if issue.ID == issueID {
				resolved = issue
				s.Issues = append(s.Issues[:i:i], s.Issues[i+1:]...)
				return nil
			}
		}
		return ErrIssueNotFound
	})
	if err != nil {
		return err
	}
	m.publisher.Publish(ctx, events.Event{
		Name:         events.IssueResolved,
		DeploymentID: deploymentID,
		ExecutionID:  s.ExecutionID,
		WorkspaceID:  s.WorkspaceID,
		Issue:        &resolved,
		Message:      resolved.Title,
	})
	return nil
}

// ResolveIssues removes every open issue match accepts and returns them.
func (m *Monitor) ResolveIssues(ctx context.Context, deploymentID string, match func(deploy.Issue) bool) ([]deploy.Issue, error) {
	var resolved []deploy.Issue
	s, err := m.mutate(ctx, deploymentID, true, func(s *deploy.DeploymentStatus) error {
		kept := s.Issues[:0:0]
		for _, issue := range s.Issues {
			if match(issue) {
				resolved = append(resolved, issue)
				continue
			}
			kept = append(kept, issue)
		}
		s.Issues = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range resolved {
		issue := resolved[i]
		m.publisher.Publish(ctx, events.Event{
			Name:         events.IssueResolved,
			DeploymentID: deploymentID,
			ExecutionID:  s.ExecutionID,
			WorkspaceID:  s.WorkspaceID,
			Issue:        &issue,
			Message:      issue.Title,
		})
	}
	return resolved, nil
}

// Get returns a copy of the status record.
func (m *Monitor) Get(ctx context.Context, deploymentID string) (*deploy.DeploymentStatus, error) {
	s, err := m.store.GetStatus(ctx, deploymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.refreshUptime(s, m.now())
	return s, nil
}

// List returns status records matching the filter.
func (m *Monitor) List(ctx context.Context, filter store.StatusFilter) ([]*deploy.DeploymentStatus, error) {
	list, err := m.store.ListStatuses(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := m.now()
	for _, s := range list {
		m.refreshUptime(s, now)
	}
	return list, nil
}

// mutate loads, changes, recomputes and saves one record under the monitor lock.
// touch marks the change as deployment activity for zombie detection.
func (m *Monitor) mutate(ctx context.Context, deploymentID string, touch bool, fn func(*deploy.DeploymentStatus) error) (*deploy.DeploymentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.store.GetStatus(ctx, deploymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load status %s: %w", deploymentID, err)
	}

	prevPhase, prevLevel := s.Phase, s.Level
	if err := fn(s); err != nil {
		return nil, err
	}
	now := m.now()
	if touch {
		s.LastUpdated = now
	}
	m.recompute(s, now)

	if s.Phase != prevPhase || s.Level != prevLevel {
		note := ""
		if s.Phase != prevPhase {
			note = fmt.Sprintf("phase %s -> %s", prevPhase, s.Phase)
		} else {
			note = fmt.Sprintf("level %s -> %s", prevLevel, s.Level)
		}
		s.History = append(s.History, deploy.HistoryEntry{At: now, Phase: s.Phase, Level: s.Level, Score: s.HealthScore, Note: note})
	}

	if err := m.store.SaveStatus(ctx, s); err != nil {
		return nil, fmt.Errorf("save status %s: %w", deploymentID, err)
	}
	m.metrics.SetHealthScore(s.DeploymentID, s.HealthScore)
	return s.Clone(), nil
}

func (m *Monitor) recompute(s *deploy.DeploymentStatus, now time.Time) {
	sc := m.settings.Scoring
	total := 0.0
	for i := range s.Infrastructure {
		infra := &s.Infrastructure[i]
		infra.Score = ResourceScore(*infra, sc)
		infra.Level = DeriveLevel(infra.Score, nil, sc)
		total += infra.MonthlyCost
	}
	s.TotalMonthlyCost = total
	s.HealthScore = OverallScore(s.Infrastructure, sc)
	s.Level = DeriveLevel(s.HealthScore, s.Issues, sc)
	s.Warnings = Warnings(s.Infrastructure, sc, now)
	m.refreshUptime(s, now)
}

func (m *Monitor) refreshUptime(s *deploy.DeploymentStatus, now time.Time) {
	if s.CreatedAt.IsZero() || now.Before(s.CreatedAt) {
		s.Uptime = 0
		return
	}
	s.Uptime = now.Sub(s.CreatedAt)
}
