// Package transition detects status-level changes between reconciliation cycles.
package transition

import (
	"sort"

	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/state"
)

// ScoreChange captures the health score movement for a transition.
type ScoreChange struct {
	Previous float64
	Current  float64
	Delta    float64
}

// LevelTransition is a level change of a deployment or one of its resources.
// ResourceID is empty for the deployment as a whole.
type LevelTransition struct {
	DeploymentID  string
	ResourceID    string
	PreviousLevel deploy.Level
	CurrentLevel  deploy.Level
	Reasons       []string
	Score         *ScoreChange
}

// Worsened reports whether the level moved to a worse rank.
func (t LevelTransition) Worsened() bool {
	return t.CurrentLevel.Rank() > t.PreviousLevel.Rank()
}

// DetectLevelTransitions compares the previous snapshot with the current status.
// On the first observation of a deployment only non-healthy levels are reported.
func DetectLevelTransitions(prev *state.DeploymentSnapshot, current *deploy.DeploymentStatus) []LevelTransition {
	if current == nil {
		return nil
	}
	firstRun := prev == nil || prev.Level == ""
	reasons := reasonsFor(current)

	transitions := make([]LevelTransition, 0)

	prevLevel := deploy.Level("")
	if prev != nil {
		prevLevel = prev.Level
		if prev.LastNotifiedLevel != "" {
			prevLevel = prev.LastNotifiedLevel
		}
	}
	if changed(firstRun, true, prevLevel, current.Level) {
		t := LevelTransition{
			DeploymentID:  current.DeploymentID,
			PreviousLevel: prevLevel,
			CurrentLevel:  current.Level,
			Reasons:       reasons,
		}
		if prev != nil {
			t.Score = &ScoreChange{Previous: prev.Score, Current: current.HealthScore, Delta: current.HealthScore - prev.Score}
		}
		transitions = append(transitions, t)
	}

	prevResources := map[string]deploy.Level{}
	if prev != nil && prev.Resources != nil {
		prevResources = prev.Resources
	}
	for _, infra := range current.Infrastructure {
		before, hadPrev := prevResources[infra.ID]
		if !changed(firstRun, hadPrev, before, infra.Level) {
			continue
		}
		transitions = append(transitions, LevelTransition{
			DeploymentID:  current.DeploymentID,
			ResourceID:    infra.ID,
			PreviousLevel: before,
			CurrentLevel:  infra.Level,
			Score:         &ScoreChange{Current: infra.Score},
		})
	}

	sort.SliceStable(transitions, func(i, j int) bool {
		return transitions[i].ResourceID < transitions[j].ResourceID
	})
	return transitions
}

func changed(firstRun, hadPrev bool, prev, current deploy.Level) bool {
	if firstRun || !hadPrev {
		return current != deploy.LevelHealthy && current != ""
	}
	return prev != current
}

// Snapshot builds the snapshot persisted after a cycle. Notified marks the
// current level as delivered so the next cycle compares against it.
func Snapshot(current *deploy.DeploymentStatus, notified bool, prev *state.DeploymentSnapshot) state.DeploymentSnapshot {
	snap := state.DeploymentSnapshot{
		Level:     current.Level,
		Score:     current.HealthScore,
		Resources: make(map[string]deploy.Level, len(current.Infrastructure)),
	}
	if current.LastHealthCheck != nil {
		snap.EvaluatedAt = *current.LastHealthCheck
	}
	for _, infra := range current.Infrastructure {
		snap.Resources[infra.ID] = infra.Level
	}
	switch {
	case notified:
		snap.LastNotifiedLevel = current.Level
	case prev != nil:
		snap.LastNotifiedLevel = prev.LastNotifiedLevel
	}
	return snap
}

func reasonsFor(s *deploy.DeploymentStatus) []string {
	reasons := make([]string, 0, len(s.Issues))
	for _, issue := range s.Issues {
		reasons = append(reasons, issue.Title)
	}
	return reasons
}
