package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nholik/deployguard/internal/agent"
	"github.com/nholik/deployguard/internal/compose"
	"github.com/nholik/deployguard/internal/config"
	"github.com/nholik/deployguard/internal/coordinator"
	"github.com/nholik/deployguard/internal/diagnosis"
	"github.com/nholik/deployguard/internal/events"
	"github.com/nholik/deployguard/internal/healthcheck"
	"github.com/nholik/deployguard/internal/metrics"
	"github.com/nholik/deployguard/internal/orchestrator"
	"github.com/nholik/deployguard/internal/probe"
	"github.com/nholik/deployguard/internal/reasoning"
	"github.com/nholik/deployguard/internal/state"
	"github.com/nholik/deployguard/internal/status"
	"github.com/nholik/deployguard/internal/store"
	"github.com/rs/zerolog"
)

const (
	storeGCInterval  = 10 * time.Minute
	redisPingTimeout = 3 * time.Second
)

type repository interface {
	store.Executions
	store.Statuses
}

// app holds the components shared by serve and deploy.
type app struct {
	cfg     config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	bus     *events.Bus
	repo    repository
	monitor *status.Monitor
	caller  agent.Caller
	redis   *events.RedisListener
	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	repo, err := a.openRepository()
	if err != nil {
		return nil, err
	}
	a.repo = repo

	a.bus = events.NewBus(logger.With().Str("component", "events").Logger(), events.NewLogListener(logger))
	a.attachRedis(ctx)

	scoring, err := config.LoadScoringFile(cfg.ScoringFile)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.AgentURL != "" {
		caller, err := agent.NewHTTPCaller(logger, cfg.AgentURL, cfg.AgentTimeout, agent.WithDefaultToken(cfg.AgentToken))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.caller = caller
	}

	a.monitor = status.New(logger.With().Str("component", "status").Logger(), repo,
		status.WithProber(a.buildProber()),
		status.WithPublisher(a.bus),
		status.WithMetrics(a.metrics),
		status.WithSettings(status.SettingsFromConfig(cfg, scoring)),
	)

	return a, nil
}

// newOrchestrator builds the execution engine. It requires DG_AGENT_URL.
func (a *app) newOrchestrator() (*orchestrator.Orchestrator, error) {
	if err := a.cfg.RequireAgent(); err != nil {
		return nil, err
	}
	settings := orchestrator.SettingsFromConfig(a.cfg)
	diagnoser, err := buildDiagnoser(a.cfg, a.logger, settings.Costs)
	if err != nil {
		return nil, err
	}
	fetcher, err := compose.NewHTTPFetcher(a.cfg.AgentTimeout, 0)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(a.logger.With().Str("component", "orchestrator").Logger(), a.caller, a.repo, a.monitor,
		orchestrator.WithDiagnoser(diagnoser),
		orchestrator.WithPublisher(a.bus),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithSettings(settings),
		orchestrator.WithComposeFetcher(fetcher),
	), nil
}

func (a *app) openRepository() (repository, error) {
	if a.cfg.StorePath == "" {
		a.logger.Info().Msg("DG_STORE_PATH not set; using in-memory store")
		return store.NewMemory(), nil
	}
	db, err := store.OpenBadger(store.BadgerConfig{
		Path:       a.cfg.StorePath,
		SyncWrites: true,
		GCInterval: storeGCInterval,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *app) attachRedis(ctx context.Context) {
	if a.cfg.RedisAddr == "" {
		return
	}
	listener := events.NewRedisListener(a.logger.With().Str("component", "redis").Logger(),
		a.cfg.RedisAddr, "", 0, a.cfg.RedisChannel)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := listener.Ping(pingCtx); err != nil {
		a.logger.Warn().Err(err).Str("addr", a.cfg.RedisAddr).Msg("redis unreachable; events will be retried per publish")
	}
	a.bus.Subscribe(listener)
	a.redis = listener
	a.closers = append(a.closers, listener.Close)
}

// newCoordinator builds the background loops: health reconciliation, zombie
// detection, the ops server when its ports are set, and the redis publisher.
func (a *app) newCoordinator(cfg config.Config, stateStore state.Store, opts ...coordinator.Option) *coordinator.Coordinator {
	all := []coordinator.Option{
		coordinator.WithTracker(healthcheck.NewTracker()),
		coordinator.WithMetrics(a.metrics),
		coordinator.WithPublisher(a.bus),
		coordinator.WithStateStore(stateStore, nil),
	}
	if a.redis != nil {
		all = append(all, coordinator.WithService("redis", a.redis))
	}
	return coordinator.New(a.logger, cfg, a.monitor, append(all, opts...)...)
}

// buildProber combines the agent metrics probe with the docker container
// probe. Without an agent gateway only containers are checked.
func (a *app) buildProber() status.Prober {
	var opts []probe.DockerOption
	if a.cfg.DockerTLSCA != "" || a.cfg.DockerTLSCert != "" || a.cfg.DockerTLSKey != "" {
		opts = append(opts, probe.WithTLS(probe.TLSFiles{
			CAFile:   a.cfg.DockerTLSCA,
			CertFile: a.cfg.DockerTLSCert,
			KeyFile:  a.cfg.DockerTLSKey,
		}))
	}
	docker := probe.NewDockerProber(a.logger, a.cfg.ProbeTimeout, opts...)
	a.closers = append(a.closers, docker.Close)

	var metricsProber status.Prober
	if a.caller != nil {
		metricsProber = probe.NewAgentProber(a.caller, a.cfg.AgentToken)
	}
	return probe.NewComposite(a.logger, metricsProber, docker)
}

func buildDiagnoser(cfg config.Config, logger zerolog.Logger, costs diagnosis.Costs) (diagnosis.Diagnoser, error) {
	var reasoner reasoning.Reasoner
	switch cfg.AIProvider {
	case config.AIProviderOpenAI:
		reasoner = reasoning.NewOpenAIReasoner(logger, cfg.OpenAIKey, cfg.OpenAIModel)
	case config.AIProviderAzure:
		azure, err := reasoning.NewAzureReasoner(cfg.AzureEndpoint, cfg.AzureKey, cfg.AzureDeployment)
		if err != nil {
			return nil, fmt.Errorf("azure reasoner: %w", err)
		}
		reasoner = azure
	default:
		logger.Info().Msg("no AI provider configured; using rule-based diagnosis")
		return diagnosis.NewRuleBased(costs), nil
	}
	return diagnosis.NewAIDiagnoser(logger.With().Str("component", "diagnosis").Logger(), reasoner, costs), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
