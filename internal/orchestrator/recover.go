package orchestrator

import (
	"context"
	"fmt"

	"github.com/nholik/deployguard/internal/agent"
	"github.com/nholik/deployguard/internal/classify"
	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/diagnosis"
	"github.com/nholik/deployguard/internal/events"
	"github.com/nholik/deployguard/internal/recovery"
)

// recoverPhase classifies a phase failure and runs recovery attempts until one
// succeeds or the budget is spent. It returns the index of the pipeline phase
// to resume at, or false when the execution ended.
func (o *Orchestrator) recoverPhase(ctx, base context.Context, r *run, phase deploy.Phase, cause error) (int, bool) {
	failure := classify.Failure{
		Phase:   phase,
		Service: o.phaseAction(r, phase, false).Service,
		Message: cause.Error(),
	}
	planner := recovery.NewPlanner(func(p deploy.Phase, simplified bool) recovery.Action {
		a := o.phaseAction(r, p, simplified)
		a.Bind = func(prior map[deploy.Phase]agent.Result) map[string]any {
			return o.phaseActionWith(r, p, simplified, prior).Args
		}
		return a
	}, o.settings.Timeouts)

	for {
		derr, class := o.recordError(base, r, failure)
		if derr == nil {
			return 0, false
		}
		o.attachDiagnostics(ctx, base, r, derr)

		attempts := o.snapshot(r).RecoveryAttempts
		if attempts >= o.settings.MaxRecoveryAttempts {
			o.exhausted(base, r, derr, class)
			return 0, false
		}
		if r.stopped() {
			return 0, false
		}
		if ctx.Err() != nil {
			o.executionError(base, r, errPipelineDeadline)
			return 0, false
		}

		attempt := attempts + 1
		if _, ok := o.mutate(base, r, func(e *deploy.Execution) {
			e.RecoveryAttempts = attempt
			e.Status = deploy.StatusRecovering
			e.Phase = deploy.PhaseRecovering
		}); !ok {
			return 0, false
		}
		o.pushPhase(base, r, deploy.PhaseRecovering)

		analysis := o.diagnoser.Diagnose(ctx, diagnosis.Input{
			Error:          derr.Clone(),
			Classification: class,
			Provider:       r.req.Provider,
			Attempt:        attempt,
		})
		o.mutate(base, r, func(e *deploy.Execution) {
			if target := findError(e, derr.ID); target != nil {
				a := analysis
				target.Analysis = &a
			}
		})

		plan := planner.Plan(recovery.Target{
			Type:     derr.Type,
			Attempt:  attempt,
			Phase:    phase,
			Simplify: o.isSimplified(r),
			Args:     o.recoveryArgs(r),
			Bind: func(prior map[deploy.Phase]agent.Result) map[string]any {
				return o.recoveryArgsWith(r, prior)
			},
		})
		o.logger.Warn().
			Str("execution_id", r.exec.ID).
			Str("error_type", string(derr.Type)).
			Str("strategy", string(plan.Strategy)).
			Strs("actions", plan.Names()).
			Int("attempt", attempt).
			Int("max_attempts", o.settings.MaxRecoveryAttempts).
			Msg("recovery attempt started")

		outcome := o.executor.Execute(ctx, plan, r.req.AuthToken, r.stop)
		o.metrics.IncRecoveryAttempts(string(plan.Strategy), outcome.Err == nil)
		recorded := outcome.Attempt
		snapshot, ok := o.mutate(base, r, func(e *deploy.Execution) {
			if target := findError(e, derr.ID); target != nil {
				target.AddAttempt(recorded)
			}
		})
		if !ok || outcome.Cancelled {
			return 0, false
		}

		if outcome.Err == nil {
			return o.recovered(base, r, derr.ID, plan, outcome)
		}

		o.logger.Warn().
			Err(outcome.Err).
			Str("execution_id", r.exec.ID).
			Str("strategy", string(plan.Strategy)).
			Str("failed_action", outcome.FailedAction).
			Int("attempt", attempt).
			Msg("recovery attempt failed")
		o.publish(base, events.Event{
			Name:      events.RecoveryFailed,
			Execution: snapshot,
			Error:     findError(snapshot, derr.ID),
			Attempt:   &recorded,
			Message:   recorded.Outcome,
		})
		o.countCallError(actionService(plan, outcome.FailedAction), outcome.Err)

		failure = classify.Failure{
			Phase:   actionPhase(plan, outcome.FailedAction, phase),
			Service: actionService(plan, outcome.FailedAction),
			Message: outcome.Err.Error(),
			Context: map[string]any{
				"recovery_attempt": attempt,
				"strategy":         string(plan.Strategy),
				"failed_action":    outcome.FailedAction,
			},
		}
	}
}

// recordError classifies a failure, appends it to the execution and moves the
// execution to the failed phase. It returns nil once the execution is terminal.
func (o *Orchestrator) recordError(ctx context.Context, r *run, failure classify.Failure) (*deploy.Error, classify.Classification) {
	if failure.Context == nil {
		failure.Context = map[string]any{}
	}
	failure.Context["execution_id"] = r.exec.ID
	failure.Context["deployment_id"] = r.req.DeploymentID

	derr, class := classify.BuildError(o.newID(), o.now(), failure)
	var step *deploy.Step
	snapshot, ok := o.mutate(ctx, r, func(e *deploy.Execution) {
		e.Errors = append(e.Errors, derr)
		e.Phase = deploy.PhaseFailed
		for i := len(e.Steps) - 1; i >= 0; i-- {
			if e.Steps[i].Phase == failure.Phase && !e.Steps[i].Success {
				s := e.Steps[i]
				step = &s
				break
			}
		}
	})
	if !ok {
		return nil, class
	}
	o.metrics.IncClassifiedErrors(string(derr.Type), string(derr.Severity))
	o.pushPhase(ctx, r, deploy.PhaseFailed)
	o.logger.Error().
		Str("execution_id", snapshot.ID).
		Str("phase", string(failure.Phase)).
		Str("error_type", string(derr.Type)).
		Str("severity", string(derr.Severity)).
		Str("classified_by", string(class.Source)).
		Msg(failure.Message)
	o.publish(ctx, events.Event{
		Name:      events.StepFailed,
		Execution: snapshot,
		Step:      step,
		Error:     derr.Clone(),
		Message:   failure.Message,
	})
	return derr.Clone(), class
}

// attachDiagnostics snapshots the primary server and stores the snapshot on the
// recorded error. Collection failures are logged and ignored.
func (o *Orchestrator) attachDiagnostics(ctx, base context.Context, r *run, derr *deploy.Error) {
	if r.stopped() {
		return
	}
	results, _ := o.resultsWith(r, nil)
	target := primaryTarget(results)
	if target.ID == "" && target.Connection.Host == "" {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, o.settings.Timeouts.Verify)
	defer cancel()
	d, err := o.collector.Collect(cctx, r.req.DeploymentID, target, r.req.AuthToken)
	if err != nil || d == nil {
		o.logger.Warn().
			Err(err).
			Str("execution_id", r.exec.ID).
			Str("server_id", target.ID).
			Msg("diagnostics collection failed")
		return
	}

	derr.Diagnostics = d
	o.mutate(base, r, func(e *deploy.Execution) {
		if stored := findError(e, derr.ID); stored != nil {
			c := *d
			stored.Diagnostics = &c
		}
	})
}

// recovered applies a successful attempt: phase results are stored, the error
// is resolved and the pipeline resumes at the first phase not yet completed.
func (o *Orchestrator) recovered(ctx context.Context, r *run, errorID string, plan recovery.Plan, outcome recovery.Outcome) (int, bool) {
	now := o.now()
	var resume int
	snapshot, ok := o.mutate(ctx, r, func(e *deploy.Execution) {
		for _, action := range plan.Actions {
			result, ran := outcome.Results[action.Phase]
			if action.Phase == "" || !ran {
				continue
			}
			ended := now
			e.Steps = append(e.Steps, deploy.Step{
				Name:       action.Name,
				Phase:      action.Phase,
				Service:    action.Service,
				StartedAt:  outcome.Attempt.StartedAt,
				EndedAt:    &ended,
				Duration:   now.Sub(outcome.Attempt.StartedAt),
				Success:    true,
				RetryCount: priorSteps(e, action.Phase),
			})
			e.Results.Set(action.Phase, map[string]any(result))
		}
		if plan.Simplified {
			e.Simplified = true
		}
		if target := findError(e, errorID); target != nil {
			target.Resolve(now)
		}
		e.Status = deploy.StatusRunning
		e.RecomputeProgress()
		resume = firstIncomplete(e)
	})
	if !ok {
		return 0, false
	}

	for _, action := range plan.Actions {
		if result, ran := outcome.Results[action.Phase]; ran && action.Phase != "" {
			o.afterPhase(ctx, r, action.Phase, result)
		}
	}

	attempt := outcome.Attempt
	o.logger.Info().
		Str("execution_id", snapshot.ID).
		Str("strategy", attempt.Strategy).
		Str("outcome", attempt.Outcome).
		Msg("recovery successful")
	o.publish(ctx, events.Event{
		Name:      events.RecoverySuccessful,
		Execution: snapshot,
		Error:     findError(snapshot, errorID),
		Attempt:   &attempt,
		Message:   attempt.Outcome,
	})
	return resume, true
}

// exhausted ends an execution whose recovery budget is spent.
func (o *Orchestrator) exhausted(ctx context.Context, r *run, derr *deploy.Error, class classify.Classification) {
	analysis := o.diagnoser.Diagnose(ctx, diagnosis.Input{
		Error:          derr.Clone(),
		Classification: class,
		Provider:       r.req.Provider,
	})
	o.fail(ctx, r, derr, analysis, events.DeploymentFailed,
		fmt.Sprintf("recovery exhausted after %d attempts", o.settings.MaxRecoveryAttempts))
}

// executionError ends an execution on a failure raised outside a phase
// boundary: a pipeline panic or the pipeline deadline.
func (o *Orchestrator) executionError(ctx context.Context, r *run, cause error) {
	current := o.snapshot(r)
	phase := current.Phase
	if phase == deploy.PhaseFailed || phase == deploy.PhaseRecovering {
		if last := current.LastError(); last != nil {
			phase = last.Phase
		}
	}
	derr, class := classify.BuildError(o.newID(), o.now(), classify.Failure{
		Phase:   phase,
		Service: "orchestrator",
		Message: cause.Error(),
		Context: map[string]any{"execution_id": current.ID, "deployment_id": current.DeploymentID},
	})
	analysis := diagnosis.NewRuleBased(o.settings.Costs).Diagnose(ctx, diagnosis.Input{Error: derr, Classification: class})
	o.fail(ctx, r, derr, analysis, events.ExecutionError, cause.Error())
}

// fail moves the execution to error, attaches the failure summary, opens a
// critical issue on the deployment and publishes the terminal event.
func (o *Orchestrator) fail(ctx context.Context, r *run, derr *deploy.Error, analysis deploy.Analysis, name events.Name, message string) {
	now := o.now()
	summary := &deploy.FailureSummary{
		RootCause:           analysis.RootCause,
		EstimatedRepairMins: analysis.EstimatedRepairTime,
		EstimatedCostImpact: analysis.CostImpact,
		Suggestions:         diagnosis.Suggestions(derr.Type),
	}
	if summary.RootCause == "" {
		summary.RootCause = derr.Message
	}

	snapshot, ok := o.mutate(ctx, r, func(e *deploy.Execution) {
		if target := findError(e, derr.ID); target != nil {
			a := analysis
			target.Analysis = &a
		} else {
			recorded := derr.Clone()
			a := analysis
			recorded.Analysis = &a
			e.Errors = append(e.Errors, recorded)
		}
		summary.LastAttemptedFix = lastStrategy(e)
		e.Phase = deploy.PhaseFailed
		e.Status = deploy.StatusError
		e.EndedAt = &now
		e.FailureSummary = summary
	})
	if !ok {
		return
	}
	o.release(r)
	o.metrics.IncExecutions(string(deploy.StatusError))
	o.pushPhase(ctx, r, deploy.PhaseFailed)

	issue := deploy.Issue{
		Severity:           deploy.SeverityCritical,
		Type:               string(derr.Type),
		Title:              fmt.Sprintf("Deployment failed: %s", derr.Type),
		Description:        summary.RootCause,
		MitigationSteps:    summary.Suggestions,
		ExecutionID:        snapshot.ID,
		AffectedComponents: affectedComponents(r.req, derr, snapshot.Results),
	}
	if _, err := o.tracker.AddIssue(ctx, r.req.DeploymentID, issue); err != nil {
		o.logger.Warn().Err(err).Str("deployment_id", r.req.DeploymentID).Msg("failed to open deployment issue")
	}

	o.logger.Error().
		Str("execution_id", snapshot.ID).
		Str("deployment_id", snapshot.DeploymentID).
		Str("root_cause", summary.RootCause).
		Str("last_attempted_fix", summary.LastAttemptedFix).
		Int("recovery_attempts", snapshot.RecoveryAttempts).
		Msg(message)
	o.publish(ctx, events.Event{
		Name:      name,
		Execution: snapshot,
		Error:     findError(snapshot, derr.ID),
		Message:   message,
	})
}

func (o *Orchestrator) recoveryArgs(r *run) map[string]any {
	return o.recoveryArgsWith(r, nil)
}

func (o *Orchestrator) recoveryArgsWith(r *run, overlay map[deploy.Phase]agent.Result) map[string]any {
	results, _ := o.resultsWith(r, overlay)
	target := primaryTarget(results)
	args := map[string]any{
		"deployment_id": r.req.DeploymentID,
		"provider":      r.req.Provider,
	}
	if target.ID != "" {
		args["server_id"] = target.ID
	}
	if target.Connection.Host != "" {
		args["host"] = target.Connection.Host
	}
	if r.req.Domain != "" {
		args["domain"] = r.req.Domain
	}
	return args
}

// affectedComponents names the failed service followed by the resources the
// execution had provisioned.
func affectedComponents(req deploy.Request, derr *deploy.Error, results deploy.Results) []string {
	var out []string
	if derr.Service != "" {
		out = append(out, derr.Service)
	}
	if results.Provisioning == nil {
		return out
	}
	resources, err := provisionedResources(req, agent.Result(results.Provisioning))
	if err != nil {
		return out
	}
	for _, res := range resources {
		if res.ID != "" {
			out = append(out, res.ID)
		}
	}
	return out
}

func findError(e *deploy.Execution, id string) *deploy.Error {
	for _, derr := range e.Errors {
		if derr.ID == id {
			return derr
		}
	}
	return nil
}

func firstIncomplete(e *deploy.Execution) int {
	done := make(map[deploy.Phase]bool)
	for _, s := range e.Steps {
		if s.Success {
			done[s.Phase] = true
		}
	}
	for i, phase := range deploy.PipelinePhases {
		if !done[phase] {
			return i
		}
	}
	return len(deploy.PipelinePhases)
}

func lastStrategy(e *deploy.Execution) string {
	for i := len(e.Errors) - 1; i >= 0; i-- {
		attempts := e.Errors[i].Attempts
		if len(attempts) > 0 {
			return attempts[len(attempts)-1].Strategy
		}
	}
	return ""
}

func actionPhase(plan recovery.Plan, name string, fallback deploy.Phase) deploy.Phase {
	for _, a := range plan.Actions {
		if a.Name == name && a.Phase != "" {
			return a.Phase
		}
	}
	return fallback
}

func actionService(plan recovery.Plan, name string) string {
	for _, a := range plan.Actions {
		if a.Name == name {
			return a.Service
		}
	}
	if plan.Verify != nil && plan.Verify.Name == name {
		return plan.Verify.Service
	}
	return ""
}
