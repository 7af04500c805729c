package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/events"
	"github.com/nholik/deployguard/internal/healthcheck"
	"github.com/nholik/deployguard/internal/state"
	"github.com/nholik/deployguard/internal/status"
	"github.com/nholik/deployguard/internal/transition"
	"github.com/rs/zerolog"
)

// ZombieDetector runs one zombie detection pass.
type ZombieDetector interface {
	DetectZombies(ctx context.Context) ([]deploy.ZombieCandidate, error)
}

var _ ZombieDetector = (*status.Monitor)(nil)

// ZombieCycle adapts a detector to a RunOnce step. The tracker may be nil.
func ZombieCycle(logger zerolog.Logger, detector ZombieDetector, tracker *healthcheck.Tracker) func(context.Context) error {
	return func(ctx context.Context) error {
		zombies, err := detector.DetectZombies(ctx)
		if err != nil {
			return cycleErr("detect zombies", err)
		}
		tracker.RecordZombieScan(len(zombies))
		logger.Debug().Int("zombies", len(zombies)).Msg("zombie detection completed")
		return nil
	}
}

func (r *Runner) reconcileOnce(ctx context.Context) error {
	if r.reconciler == nil {
		return nil
	}

	started := time.Now()
	result, err := r.reconciler.Reconcile(ctx)
	if err != nil {
		return cycleErr("reconcile", err)
	}
	r.tracker.RecordCycle(time.Since(started), result.Deployments)

	if r.stateStore == nil {
		return nil
	}
	return r.evaluateAndPersist(ctx, result.Statuses)
}

func (r *Runner) evaluateAndPersist(ctx context.Context, statuses []*deploy.DeploymentStatus) error {
	found := make(map[string][]transition.LevelTransition)
	err := r.withStateLock(func() error {
		loaded, err := r.stateStore.Load(ctx)
		if err != nil {
			return cycleErr("load state", err)
		}

		next := state.State{Deployments: make(map[string]state.DeploymentSnapshot, len(statuses))}
		for _, s := range statuses {
			var prev *state.DeploymentSnapshot
			if existing, ok := loaded.Deployments[s.DeploymentID]; ok {
				copySnapshot := existing
				prev = &copySnapshot
			}
			changes := transition.DetectLevelTransitions(prev, s)
			if len(changes) > 0 {
				found[s.DeploymentID] = changes
			}
			next.Deployments[s.DeploymentID] = transition.Snapshot(s, len(changes) > 0, prev)
		}

		if err := r.stateStore.Save(ctx, next); err != nil {
			return cycleErr("save state", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, s := range statuses {
		changes, ok := found[s.DeploymentID]
		if !ok {
			continue
		}
		for _, change := range changes {
			r.logTransition(change)
		}
		r.publisher.Publish(ctx, events.Event{
			Name:         events.HealthStatusChanged,
			DeploymentID: s.DeploymentID,
			ExecutionID:  s.ExecutionID,
			WorkspaceID:  s.WorkspaceID,
			Transitions:  changes,
			Message:      describe(s, changes),
		})
	}
	return nil
}

func (r *Runner) logTransition(change transition.LevelTransition) {
	var event *zerolog.Event
	switch change.CurrentLevel {
	case deploy.LevelCritical, deploy.LevelFailed:
		event = r.logger.Error()
	case deploy.LevelDegraded, deploy.LevelWarning:
		event = r.logger.Warn()
	default:
		event = r.logger.Info()
	}

	event = event.
		Str("deployment_id", change.DeploymentID).
		Str("previous_level", string(change.PreviousLevel)).
		Str("current_level", string(change.CurrentLevel))
	if change.ResourceID != "" {
		event = event.Str("resource_id", change.ResourceID)
	}
	if len(change.Reasons) > 0 {
		event = event.Strs("reasons", change.Reasons)
	}
	if change.Score != nil {
		event = event.Float64("score", change.Score.Current).Float64("score_delta", change.Score.Delta)
	}
	event.Msg("health transition detected")
}

func describe(s *deploy.DeploymentStatus, changes []transition.LevelTransition) string {
	for _, c := range changes {
		if c.ResourceID == "" {
			if c.PreviousLevel == "" {
				return fmt.Sprintf("deployment %s is %s (score %.0f)", s.DeploymentID, c.CurrentLevel, s.HealthScore)
			}
			return fmt.Sprintf("deployment %s changed from %s to %s (score %.0f)", s.DeploymentID, c.PreviousLevel, c.CurrentLevel, s.HealthScore)
		}
	}
	return fmt.Sprintf("deployment %s: %d resource level changes", s.DeploymentID, len(changes))
}

func (r *Runner) withStateLock(fn func() error) error {
	if r.stateMu == nil {
		return fn()
	}
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return fn()
}

// CycleError is a failed cycle step. The loop logs it and keeps running.
type CycleError struct {
	Op  string
	Err error
}

func (e *CycleError) Error() string {
	return "cycle " + e.Op + ": " + e.Err.Error()
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

func cycleErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CycleError{Op: op, Err: err}
}
