package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nholik/deployguard/internal/agent"
	"github.com/nholik/deployguard/internal/deploy"
	"github.com/rs/zerolog"
)

// Outcome is the result of executing one plan.
type Outcome struct {
	Attempt deploy.RecoveryAttempt
	// Results holds the payloads of actions that performed phase work.
	Results map[deploy.Phase]agent.Result
	// Err is the failure that ended the attempt, nil on success.
	Err error
	// FailedAction names the action or verification that failed.
	FailedAction string
	Cancelled    bool
}

// Executor runs recovery plans against the remote agent.
type Executor struct {
	logger zerolog.Logger
	caller agent.Caller
	now    func() time.Time
	newID  func() string
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor returns an executor that calls caller.
func NewExecutor(logger zerolog.Logger, caller agent.Caller, opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger: logger,
		caller: caller,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the plan's actions in order, stops at the first failure, then
// runs the verification check. Actions with a Binder see the results of the
// actions before them. stop is checked before every action; a closed
// stop channel ends the attempt unsuccessfully without running further actions.
func (e *Executor) Execute(ctx context.Context, plan Plan, authToken string, stop <-chan struct{}) Outcome {
	started := e.now()
	out := Outcome{
		Results: make(map[deploy.Phase]agent.Result),
	}
	finish := func(success bool, text string) Outcome {
		out.Attempt = deploy.RecoveryAttempt{
			ID:        e.newID(),
			Strategy:  string(plan.Strategy),
			Actions:   plan.Names(),
			Success:   success,
			Duration:  e.now().Sub(started),
			Outcome:   text,
			StartedAt: started,
		}
		return out
	}

	for _, action := range plan.Actions {
		if stopped(stop) {
			out.Cancelled = true
			out.FailedAction = action.Name
			out.Err = context.Canceled
			return finish(false, fmt.Sprintf("cancelled before %s", action.Name))
		}

		res, err := e.run(ctx, action, authToken, out.Results)
		if err != nil {
			e.logger.Warn().Err(err).Str("strategy", string(plan.Strategy)).Str("action", action.Name).Msg("recovery action failed")
			out.Err = err
			out.FailedAction = action.Name
			return finish(false, fmt.Sprintf("%s failed: %v", action.Name, err))
		}
		if action.Phase != "" {
			out.Results[action.Phase] = res
		}
	}

	if plan.Verify == nil {
		return finish(true, fmt.Sprintf("%d actions succeeded", len(plan.Actions)))
	}
	if stopped(stop) {
		out.Cancelled = true
		out.FailedAction = plan.Verify.Name
		out.Err = context.Canceled
		return finish(false, fmt.Sprintf("cancelled before %s", plan.Verify.Name))
	}

	res, err := e.run(ctx, *plan.Verify, authToken, out.Results)
	if err == nil && !passed(res) {
		err = fmt.Errorf("%s did not pass", plan.Verify.Operation)
		if msg := res.String("message"); msg != "" {
			err = fmt.Errorf("%s did not pass: %s", plan.Verify.Operation, msg)
		}
	}
	if err != nil {
		out.Err = err
		out.FailedAction = plan.Verify.Name
		return finish(false, fmt.Sprintf("verification %s failed: %v", plan.Verify.Name, err))
	}
	return finish(true, fmt.Sprintf("%d actions succeeded; %s passed", len(plan.Actions), plan.Verify.Name))
}

func (e *Executor) run(ctx context.Context, action Action, authToken string, prior map[deploy.Phase]agent.Result) (agent.Result, error) {
	if action.Bind != nil {
		action.Args = action.Bind(prior)
	}
	if action.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, action.Timeout)
		defer cancel()
	}
	return e.caller.Call(ctx, action.Service, action.Operation, action.Args, authToken)
}

// passed treats an explicit "passed": false in a verification result as failure.
func passed(res agent.Result) bool {
	if v, ok := res["passed"].(bool); ok {
		return v
	}
	return true
}

func stopped(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
