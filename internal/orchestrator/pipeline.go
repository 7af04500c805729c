package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nholik/deployguard/internal/agent"
	"github.com/nholik/deployguard/internal/compose"
	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/events"
	"github.com/nholik/deployguard/internal/recovery"
)

// Phase operations on the remote subsystems.
const (
	OpAnalyzeRepository = "analyze_repository"
	OpProvisionServer   = "provision_server"
	OpGenerateSSH       = "generate_ssh_credentials"
	OpExecuteDeployment = "execute_deployment"
	OpVerifyHealth      = "verify_health"
)

// errPipelineDeadline ends an execution that ran past its pipeline timeout.
var errPipelineDeadline = errors.New("pipeline deadline exceeded")

// execute runs the pipeline of one execution to a terminal status.
func (o *Orchestrator) execute(base context.Context, r *run) {
	defer close(r.done)

	ctx := base
	if o.settings.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, o.settings.PipelineTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			o.executionError(base, r, fmt.Errorf("pipeline panic: %v", p))
		}
	}()

	snapshot, ok := o.mutate(base, r, func(e *deploy.Execution) {
		e.Status = deploy.StatusRunning
	})
	if !ok {
		return
	}
	o.publish(base, events.Event{Name: events.DeploymentStarted, Execution: snapshot})

	phases := deploy.PipelinePhases
	for i := 0; i < len(phases); {
		if r.stopped() {
			return
		}
		if ctx.Err() != nil {
			o.executionError(base, r, errPipelineDeadline)
			return
		}

		phase := phases[i]
		err := o.runPhase(ctx, r, phase)
		if err == nil {
			i++
			continue
		}
		if r.stopped() {
			return
		}

		next, ok := o.recoverPhase(ctx, base, r, phase, err)
		if !ok {
			return
		}
		i = next
	}

	o.complete(base, r)
}

// runPhase performs one phase operation and records its step. A panic inside
// the phase is converted to a phase failure.
func (o *Orchestrator) runPhase(ctx context.Context, r *run, phase deploy.Phase) (err error) {
	action := o.phaseAction(r, phase, o.isSimplified(r))
	started := o.now()

	var stepIndex int
	_, ok := o.mutate(ctx, r, func(e *deploy.Execution) {
		e.Phase = phase
		e.Status = deploy.StatusRunning
		e.Steps = append(e.Steps, deploy.Step{
			Name:       action.Operation,
			Phase:      phase,
			Service:    action.Service,
			StartedAt:  started,
			RetryCount: priorSteps(e, phase),
		})
		stepIndex = len(e.Steps) - 1
	})
	if !ok {
		return nil
	}
	o.pushPhase(ctx, r, phase)
	o.logger.Info().
		Str("execution_id", r.exec.ID).
		Str("phase", string(phase)).
		Str("operation", action.Operation).
		Msg("phase started")

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s: %v", phase, p)
			o.publish(ctx, events.Event{Name: events.ExecutionError, Execution: o.snapshot(r), Message: err.Error()})
			o.finishStep(ctx, r, stepIndex, started, nil, err)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, action.Timeout)
	defer cancel()
	result, callErr := o.caller.Call(callCtx, action.Service, action.Operation, action.Args, r.req.AuthToken)
	if callErr != nil {
		o.countCallError(action.Service, callErr)
		o.finishStep(ctx, r, stepIndex, started, nil, callErr)
		return callErr
	}

	o.finishStep(ctx, r, stepIndex, started, result, nil)
	o.afterPhase(ctx, r, phase, result)
	return nil
}

// finishStep records the outcome of a step and publishes it.
func (o *Orchestrator) finishStep(ctx context.Context, r *run, index int, started time.Time, result agent.Result, stepErr error) {
	ended := o.now()
	var step deploy.Step
	snapshot, ok := o.mutate(ctx, r, func(e *deploy.Execution) {
		s := &e.Steps[index]
		s.EndedAt = &ended
		s.Duration = ended.Sub(started)
		if stepErr != nil {
			s.Success = false
			s.Error = stepErr.Error()
		} else {
			s.Success = true
			e.Results.Set(s.Phase, map[string]any(result))
			e.RecomputeProgress()
		}
		step = *s
	})
	if !ok {
		return
	}
	o.metrics.ObservePhaseDuration(string(step.Phase), step.Duration)
	if stepErr != nil {
		o.logger.Error().
			Err(stepErr).
			Str("execution_id", snapshot.ID).
			Str("phase", string(step.Phase)).
			Msg("phase failed")
		return
	}
	o.logger.Info().
		Str("execution_id", snapshot.ID).
		Str("phase", string(step.Phase)).
		Dur("duration", step.Duration).
		Float64("progress", snapshot.Progress).
		Msg("phase completed")
	o.publish(ctx, events.Event{Name: events.StepCompleted, Execution: snapshot, Step: &step})
}

// complete ends a pipeline whose phases all succeeded.
func (o *Orchestrator) complete(ctx context.Context, r *run) {
	now := o.now()
	snapshot, ok := o.mutate(ctx, r, func(e *deploy.Execution) {
		e.Phase = deploy.PhaseCompleted
		e.Status = deploy.StatusSuccess
		e.Progress = 100
		e.EndedAt = &now
	})
	if !ok {
		return
	}
	o.release(r)
	o.metrics.IncExecutions(string(deploy.StatusSuccess))
	o.pushPhase(ctx, r, deploy.PhaseCompleted)
	o.resolveFailureIssues(ctx, r)
	o.logger.Info().
		Str("execution_id", snapshot.ID).
		Str("deployment_id", snapshot.DeploymentID).
		Int("recovery_attempts", snapshot.RecoveryAttempts).
		Dur("elapsed", now.Sub(snapshot.StartedAt)).
		Msg("deployment completed")
	o.publish(ctx, events.Event{Name: events.DeploymentCompleted, Execution: snapshot})
}

// resolveFailureIssues closes issues opened by earlier failed executions of
// the deployment once a later one succeeds.
func (o *Orchestrator) resolveFailureIssues(ctx context.Context, r *run) {
	resolved, err := o.tracker.ResolveIssues(ctx, r.req.DeploymentID, func(issue deploy.Issue) bool {
		return issue.ExecutionID != ""
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("deployment_id", r.req.DeploymentID).Msg("failed to resolve deployment issues")
		return
	}
	if len(resolved) > 0 {
		o.logger.Info().
			Str("deployment_id", r.req.DeploymentID).
			Int("issues", len(resolved)).
			Msg("resolved issues from earlier executions")
	}
}

// phaseAction builds the remote operation that performs a phase. Arguments are
// drawn from the request and from results of earlier phases.
func (o *Orchestrator) phaseAction(r *run, phase deploy.Phase, simplified bool) recovery.Action {
	return o.phaseActionWith(r, phase, simplified, nil)
}

// phaseActionWith builds the phase operation as if the overlay results had
// already been recorded on the execution.
func (o *Orchestrator) phaseActionWith(r *run, phase deploy.Phase, simplified bool, overlay map[deploy.Phase]agent.Result) recovery.Action {
	results, deploymentID := o.resultsWith(r, overlay)
	req := r.req
	target := primaryTarget(results)

	a := recovery.Action{Phase: phase, Timeout: o.settings.Timeouts.Default}
	switch phase {
	case deploy.PhaseAnalyzing:
		a.Service, a.Operation = agent.ServiceRepositoryAnalysis, OpAnalyzeRepository
		a.Args = map[string]any{
			"repo_url": req.RepoURL,
			"branch":   req.Branch,
			"app_name": req.AppName,
		}
	case deploy.PhaseProvisioning:
		a.Service, a.Operation = agent.ServiceInfrastructure, OpProvisionServer
		a.Timeout = o.settings.Timeouts.Provision
		a.Args = map[string]any{
			"deployment_id": deploymentID,
			"app_name":      req.AppName,
			"provider":      req.Provider,
			"region":        req.Region,
			"size":          req.Size,
		}
		if reqs, ok := results.Analysis["infrastructure_requirements"]; ok {
			a.Args["requirements"] = reqs
		}
	case deploy.PhaseCredentials:
		a.Service, a.Operation = agent.ServiceCredentials, OpGenerateSSH
		a.Timeout = o.settings.Timeouts.Credentials
		a.Args = map[string]any{
			"deployment_id": deploymentID,
			"server_id":     target.ID,
			"host":          target.Connection.Host,
		}
	case deploy.PhaseDeploying:
		a.Service, a.Operation = agent.ServiceDeployment, OpExecuteDeployment
		a.Args = map[string]any{
			"deployment_id": deploymentID,
			"app_name":      req.AppName,
			"repo_url":      req.RepoURL,
			"branch":        req.Branch,
			"host":          target.Connection.Host,
			"domain":        req.Domain,
			"environment":   req.Environment,
			"containerized": !simplified,
			"health_checks": !simplified,
		}
		if key, ok := results.Credentials["key_id"]; ok {
			a.Args["key_id"] = key
		}
		if stack, ok := results.Analysis["stack"]; ok {
			a.Args["stack"] = stack
		}
	case deploy.PhaseVerifying:
		a.Service, a.Operation = agent.ServiceDeployment, OpVerifyHealth
		a.Timeout = o.settings.Timeouts.Verify
		a.Args = map[string]any{
			"deployment_id": deploymentID,
			"host":          target.Connection.Host,
			"domain":        req.Domain,
			"simplified":    simplified,
		}
	}
	if a.Timeout <= 0 {
		a.Timeout = DefaultSettings().Timeouts.Default
	}
	return a
}

// afterPhase pushes what a phase learned about the deployment to the monitor.
func (o *Orchestrator) afterPhase(ctx context.Context, r *run, phase deploy.Phase, result agent.Result) {
	switch phase {
	case deploy.PhaseAnalyzing:
		services, err := o.expectedServices(ctx, r, result)
		if err != nil {
			o.logger.Warn().Err(err).Str("execution_id", r.exec.ID).Msg("could not read compose file from analysis")
			return
		}
		r.mu.Lock()
		r.expected = services
		r.mu.Unlock()
	case deploy.PhaseProvisioning:
		resources, err := provisionedResources(r.req, result)
		if err != nil {
			o.logger.Warn().Err(err).Str("execution_id", r.exec.ID).Msg("could not decode provisioned resources")
			return
		}
		for _, infra := range resources {
			if err := o.tracker.UpdateInfrastructure(ctx, r.req.DeploymentID, infra); err != nil {
				o.logger.Warn().Err(err).Str("resource_id", infra.ID).Msg("failed to push infrastructure to status monitor")
			}
		}
		r.mu.Lock()
		expected := r.expected
		r.mu.Unlock()
		if err := o.tracker.SeedServices(ctx, r.req.DeploymentID, expected); err != nil {
			o.logger.Warn().Err(err).Msg("failed to seed expected services")
		}
	}
}

func (o *Orchestrator) expectedServices(ctx context.Context, r *run, result agent.Result) ([]deploy.ServiceStatus, error) {
	body := []byte(result.String("compose_file"))
	if len(body) == 0 {
		url := result.String("compose_url")
		if url == "" || o.fetcher == nil {
			return nil, nil
		}
		fetched, err := o.fetcher.Fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		body = fetched
	}
	manifest, err := compose.ParseManifest(ctx, r.req.AppName, body)
	if err != nil {
		return nil, err
	}
	o.logger.Debug().
		Str("execution_id", r.exec.ID).
		Str("fingerprint", manifest.Fingerprint).
		Int("services", len(manifest.Services)).
		Msg("expected services read from compose file")
	return manifest.Services, nil
}

type provisionResult struct {
	Resources   []deploy.InfrastructureStatus `json:"resources"`
	ServerID    string                        `json:"server_id"`
	IPAddress   string                        `json:"ip_address"`
	HourlyCost  float64                       `json:"hourly_cost"`
	MonthlyCost float64                       `json:"monthly_cost"`
}

// provisionedResources reads either a "resources" list or the single-server
// shape {server_id, ip_address, ...} from a provisioning result.
func provisionedResources(req deploy.Request, result agent.Result) ([]deploy.InfrastructureStatus, error) {
	var pr provisionResult
	if err := result.Decode(&pr); err != nil {
		return nil, err
	}
	resources := pr.Resources
	if len(resources) == 0 && pr.ServerID != "" {
		resources = []deploy.InfrastructureStatus{{
			ID:          pr.ServerID,
			Connection:  deploy.ConnectionInfo{Host: pr.IPAddress},
			HourlyCost:  pr.HourlyCost,
			MonthlyCost: pr.MonthlyCost,
		}}
	}
	for i := range resources {
		if resources[i].Type == "" {
			resources[i].Type = "server"
		}
		if resources[i].Provider == "" {
			resources[i].Provider = req.Provider
		}
		if resources[i].Region == "" {
			resources[i].Region = req.Region
		}
		if resources[i].MonthlyCost == 0 && resources[i].HourlyCost > 0 {
			resources[i].MonthlyCost = resources[i].HourlyCost * 730
		}
	}
	return resources, nil
}

func (o *Orchestrator) resultsWith(r *run, overlay map[deploy.Phase]agent.Result) (deploy.Results, string) {
	r.mu.Lock()
	results := r.exec.Clone().Results
	deploymentID := r.exec.DeploymentID
	r.mu.Unlock()
	for phase, res := range overlay {
		results.Set(phase, map[string]any(res))
	}
	return results, deploymentID
}

func primaryTarget(results deploy.Results) deploy.InfrastructureStatus {
	if results.Provisioning == nil {
		return deploy.InfrastructureStatus{}
	}
	resources, err := provisionedResources(deploy.Request{}, agent.Result(results.Provisioning))
	if err != nil || len(resources) == 0 {
		return deploy.InfrastructureStatus{}
	}
	return resources[0]
}

func priorSteps(e *deploy.Execution, phase deploy.Phase) int {
	n := 0
	for _, s := range e.Steps {
		if s.Phase == phase {
			n++
		}
	}
	return n
}

func (o *Orchestrator) isSimplified(r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Simplified
}

func (o *Orchestrator) snapshot(r *run) *deploy.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Clone()
}

func (o *Orchestrator) countCallError(service string, err error) {
	var callErr *agent.CallError
	if errors.As(err, &callErr) {
		o.metrics.IncAgentCallErrors(service)
	}
}
