// Package recovery selects and runs recovery strategies for classified errors.
package recovery

import (
	"time"

	"github.com/nholik/deployguard/internal/agent"
	"github.com/nholik/deployguard/internal/deploy"
)

// Strategy names a recovery policy.
type Strategy string

const (
	StrategyRetry                Strategy = "retry"
	StrategyRetryCurrentStep     Strategy = "retry_current_step"
	StrategyProvisionNewServer   Strategy = "provision_new_server"
	StrategySimplifiedDeployment Strategy = "simplified_deployment"
)

// SelectStrategy maps an error type and 1-based attempt number to a strategy.
// package_manager_conflict keeps retrying the step on every attempt.
func SelectStrategy(errType deploy.ErrorType, attempt int) Strategy {
	switch errType {
	case deploy.ErrSSHConnection, deploy.ErrInfrastructure:
		return StrategyProvisionNewServer
	case deploy.ErrPackageManager:
		return StrategyRetryCurrentStep
	case deploy.ErrServiceConfiguration:
		return StrategySimplifiedDeployment
	}
	if attempt <= 1 {
		return StrategyRetry
	}
	return StrategySimplifiedDeployment
}

// Binder computes an action's arguments from the phase results produced by
// earlier actions of the same attempt. prior may be empty.
type Binder func(prior map[deploy.Phase]agent.Result) map[string]any

// Action is one remote operation run as part of a recovery plan.
type Action struct {
	Name      string
	Service   string
	Operation string
	Args      map[string]any
	// Bind, when set, replaces Args right before the action runs.
	Bind    Binder
	Timeout time.Duration
	// Phase is set when the action performs a pipeline phase's work; its
	// result then counts as that phase's result.
	Phase deploy.Phase
}

// Plan is the ordered set of actions for one recovery attempt.
type Plan struct {
	Strategy   Strategy
	Simplified bool
	Actions    []Action
	// Verify is the type-specific check run after all actions succeed. When
	// nil, success of the actions is the verification.
	Verify *Action
}

// Names returns the action names in order.
func (p Plan) Names() []string {
	names := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		names = append(names, a.Name)
	}
	return names
}

// PhaseOps builds the operation that performs a pipeline phase.
type PhaseOps func(phase deploy.Phase, simplified bool) Action

// Target is what the plan acts on.
type Target struct {
	Type     deploy.ErrorType
	Attempt  int
	Phase    deploy.Phase
	Simplify bool
	// Args are shared arguments (deployment id, server id, host, domain)
	// passed to lock-clearing and verification actions.
	Args map[string]any
	// Bind recomputes Args once earlier actions have produced results, so a
	// freshly provisioned server is the one verified.
	Bind Binder
}

// Timeouts carries the per-action timeout values.
type Timeouts struct {
	Default     time.Duration
	Provision   time.Duration
	Credentials time.Duration
	ClearLocks  time.Duration
	Verify      time.Duration
}

// DefaultTimeouts derives per-action timeouts from the default action timeout.
func DefaultTimeouts(action time.Duration) Timeouts {
	if action <= 0 {
		action = 5 * time.Minute
	}
	return Timeouts{
		Default:     action,
		Provision:   2 * action,
		Credentials: action / 2,
		ClearLocks:  action / 2,
		Verify:      action / 5,
	}
}

// Planner turns a strategy into concrete actions.
type Planner struct {
	ops      PhaseOps
	timeouts Timeouts
}

// NewPlanner returns a planner that uses ops to build phase operations.
func NewPlanner(ops PhaseOps, timeouts Timeouts) *Planner {
	return &Planner{ops: ops, timeouts: timeouts}
}

// Plan selects a strategy for the target and expands it into actions.
func (p *Planner) Plan(t Target) Plan {
	strategy := SelectStrategy(t.Type, t.Attempt)
	plan := Plan{Strategy: strategy, Simplified: t.Simplify}

	switch strategy {
	case StrategyProvisionNewServer:
		provision := p.phaseAction("provision_new_server", deploy.PhaseProvisioning, t.Simplify, p.timeouts.Provision)
		creds := p.phaseAction("generate_fresh_credentials", deploy.PhaseCredentials, t.Simplify, p.timeouts.Credentials)
		plan.Actions = []Action{provision, creds}
	case StrategyRetryCurrentStep:
		plan.Actions = []Action{
			{
				Name:      "clear_package_locks",
				Service:   agent.ServiceDeployment,
				Operation: "clear_package_locks",
				Args:      copyArgs(t.Args),
				Bind:      t.Bind,
				Timeout:   p.timeouts.ClearLocks,
			},
			p.phaseAction("retry_"+string(t.Phase), t.Phase, t.Simplify, p.timeouts.Default),
		}
	case StrategySimplifiedDeployment:
		plan.Simplified = true
		plan.Actions = []Action{p.phaseAction("simplified_"+string(t.Phase), t.Phase, true, p.timeouts.Default)}
	default:
		plan.Actions = []Action{p.phaseAction("retry_"+string(t.Phase), t.Phase, t.Simplify, p.timeouts.Default)}
	}

	plan.Verify = p.verification(t)
	return plan
}

func (p *Planner) phaseAction(name string, phase deploy.Phase, simplified bool, timeout time.Duration) Action {
	a := p.ops(phase, simplified)
	a.Name = name
	a.Phase = phase
	if a.Timeout <= 0 {
		a.Timeout = timeout
	}
	return a
}

func (p *Planner) verification(t Target) *Action {
	var service, operation string
	switch t.Type {
	case deploy.ErrSSHConnection:
		service, operation = agent.ServiceCredentials, "test_connection"
	case deploy.ErrServiceConfiguration:
		service, operation = agent.ServiceDeployment, "check_service_health"
	case deploy.ErrDNSPropagation:
		service, operation = agent.ServiceDNSSSL, "check_propagation"
	case deploy.ErrSSLCertificate:
		service, operation = agent.ServiceDNSSSL, "check_certificate"
	default:
		return nil
	}
	return &Action{
		Name:      "verify_" + operation,
		Service:   service,
		Operation: operation,
		Args:      copyArgs(t.Args),
		Bind:      t.Bind,
		Timeout:   p.timeouts.Verify,
	}
}

func copyArgs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
