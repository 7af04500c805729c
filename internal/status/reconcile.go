package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/store"
	"golang.org/x/sync/errgroup"
)

// ProbeReport is what a prober observed on one resource. A nil Utilization or
// Services leaves the stored values unchanged.
type ProbeReport struct {
	Utilization *deploy.Utilization
	Services    []deploy.ServiceStatus
}

// Prober checks one resource.
type Prober interface {
	Probe(ctx context.Context, deploymentID string, infra deploy.InfrastructureStatus) (ProbeReport, error)
}

// CycleResult summarizes one reconciliation cycle.
type CycleResult struct {
	Deployments int
	Resources   int
	Failed      int
	TimedOut    int
	Statuses    []*deploy.DeploymentStatus
}

type probeOutcome struct {
	resourceID string
	report     ProbeReport
	result     deploy.ProbeResult
	err        error
}

// Reconcile health-checks every resource of every non-terminal deployment and
// recomputes scores. It does not count as deployment activity.
func (m *Monitor) Reconcile(ctx context.Context) (CycleResult, error) {
	started := m.now()
	all, err := m.store.ListStatuses(ctx, store.StatusFilter{})
	if err != nil {
		return CycleResult{}, fmt.Errorf("list statuses: %w", err)
	}

	var result CycleResult
	for _, s := range all {
		if s.Phase.Terminal() {
			continue
		}
		outcomes, err := m.probeAll(ctx, s)
		if err != nil {
			return result, err
		}
		updated, err := m.applyProbes(ctx, s.DeploymentID, outcomes)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return result, err
		}
		result.Deployments++
		result.Resources += len(outcomes)
		for _, o := range outcomes {
			switch o.result {
			case deploy.ProbeFailed:
				result.Failed++
			case deploy.ProbeTimeout:
				result.TimedOut++
			}
		}
		result.Statuses = append(result.Statuses, updated)
	}

	finished := m.now()
	m.metrics.ObserveReconcile(finished.Sub(started), finished)
	m.logger.Debug().
		Int("deployments", result.Deployments).
		Int("resources", result.Resources).
		Int("probe_failures", result.Failed).
		Int("probe_timeouts", result.TimedOut).
		Msg("reconciliation cycle completed")
	return result, nil
}

func (m *Monitor) probeAll(ctx context.Context, s *deploy.DeploymentStatus) ([]probeOutcome, error) {
	outcomes := make([]probeOutcome, len(s.Infrastructure))
	if m.prober == nil {
		for i := range outcomes {
			outcomes[i] = probeOutcome{resourceID: s.Infrastructure[i].ID, result: deploy.ProbeNone}
		}
		return outcomes, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.settings.ProbeConcurrency)
	for i, infra := range s.Infrastructure {
		i, infra := i, infra
		g.Go(func() error {
			outcomes[i] = m.probeOne(gctx, s.DeploymentID, infra)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (m *Monitor) probeOne(ctx context.Context, deploymentID string, infra deploy.InfrastructureStatus) probeOutcome {
	probeCtx := ctx
	if m.settings.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, m.settings.ProbeTimeout)
		defer cancel()
	}

	report, err := m.prober.Probe(probeCtx, deploymentID, infra)
	switch {
	case err == nil:
		return probeOutcome{resourceID: infra.ID, report: report, result: deploy.ProbeOK}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(probeCtx.Err(), context.DeadlineExceeded):
		m.logger.Warn().Str("deployment_id", deploymentID).Str("resource_id", infra.ID).Msg("health probe timed out")
		return probeOutcome{resourceID: infra.ID, result: deploy.ProbeTimeout, err: err}
	default:
		m.logger.Warn().Err(err).Str("deployment_id", deploymentID).Str("resource_id", infra.ID).Msg("health probe failed")
		return probeOutcome{resourceID: infra.ID, result: deploy.ProbeFailed, err: err}
	}
}

func (m *Monitor) applyProbes(ctx context.Context, deploymentID string, outcomes []probeOutcome) (*deploy.DeploymentStatus, error) {
	return m.mutate(ctx, deploymentID, false, func(s *deploy.DeploymentStatus) error {
		now := m.now()
		s.LastHealthCheck = &now
		byID := make(map[string]int, len(s.Infrastructure))
		for i, infra := range s.Infrastructure {
			byID[infra.ID] = i
		}
		for _, o := range outcomes {
			idx, ok := byID[o.resourceID]
			if !ok || o.result == deploy.ProbeNone {
				continue
			}
			infra := &s.Infrastructure[idx]
			checked := now
			infra.LastHealthCheck = &checked
			infra.LastCheckResult = o.result
			if o.result != deploy.ProbeOK {
				continue
			}
			if o.report.Utilization != nil {
				infra.Utilization = *o.report.Utilization
			}
			if o.report.Services != nil {
				infra.Services = MergeServices(infra.Services, o.report.Services, now)
			}
		}
		return nil
	})
}

// MergeServices reconciles the expected processes with what a probe observed.
// Expected processes missing from the observation are marked failed; observed
// processes that were not expected are appended.
func MergeServices(expected, observed []deploy.ServiceStatus, at time.Time) []deploy.ServiceStatus {
	seen := make(map[string]deploy.ServiceStatus, len(observed))
	for _, o := range observed {
		seen[o.Name] = o
	}

	out := make([]deploy.ServiceStatus, 0, len(expected)+len(observed))
	known := make(map[string]struct{}, len(expected))
	for _, e := range expected {
		known[e.Name] = struct{}{}
		checked := at
		merged := e
		merged.CheckedAt = &checked
		if o, ok := seen[e.Name]; ok {
			merged.State = o.State
			if o.Image != "" {
				merged.Image = o.Image
			}
		} else {
			merged.State = deploy.ServiceFailed
		}
		out = append(out, merged)
	}
	for _, o := range observed {
		if _, ok := known[o.Name]; ok {
			continue
		}
		checked := at
		o.CheckedAt = &checked
		out = append(out, o)
	}
	return out
}
