package transition

import (
	"testing"
	"time"

	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/state"
)

func statusWith(level deploy.Level, score float64, resources map[string]deploy.Level) *deploy.DeploymentStatus {
	s := &deploy.DeploymentStatus{DeploymentID: "dep-1", Level: level, HealthScore: score}
	for id, l := range resources {
		s.Infrastructure = append(s.Infrastructure, deploy.InfrastructureStatus{ID: id, Level: l})
	}
	return s
}

func TestDetectLevelTransitionsFirstRun(t *testing.T) {
	current := statusWith(deploy.LevelDegraded, 40, map[string]deploy.Level{"ok": deploy.LevelHealthy, "bad": deploy.LevelDegraded})
	current.Issues = []deploy.Issue{{Title: "disk nearly full"}}

	transitions := DetectLevelTransitions(nil, current)

	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(transitions))
	}
	if transitions[0].ResourceID != "" || transitions[0].CurrentLevel != deploy.LevelDegraded {
		t.Fatalf("expected deployment transition first, got %+v", transitions[0])
	}
	if len(transitions[0].Reasons) != 1 || transitions[0].Reasons[0] != "disk nearly full" {
		t.Fatalf("unexpected reasons: %v", transitions[0].Reasons)
	}
	if transitions[1].ResourceID != "bad" {
		t.Fatalf("expected transition for bad, got %s", transitions[1].ResourceID)
	}
}

func TestDetectLevelTransitionsFirstRunHealthy(t *testing.T) {
	current := statusWith(deploy.LevelHealthy, 100, map[string]deploy.Level{"srv": deploy.LevelHealthy})
	if got := DetectLevelTransitions(nil, current); len(got) != 0 {
		t.Fatalf("expected no transitions, got %+v", got)
	}
}

func TestDetectLevelTransitionsNoOp(t *testing.T) {
	prev := &state.DeploymentSnapshot{Level: deploy.LevelWarning, Score: 80, Resources: map[string]deploy.Level{"srv": deploy.LevelWarning}}
	current := statusWith(deploy.LevelWarning, 78, map[string]deploy.Level{"srv": deploy.LevelWarning})

	if got := DetectLevelTransitions(prev, current); len(got) != 0 {
		t.Fatalf("expected no transitions, got %+v", got)
	}
}

func TestDetectLevelTransitionsRecovery(t *testing.T) {
	prev := &state.DeploymentSnapshot{Level: deploy.LevelCritical, Score: 20, Resources: map[string]deploy.Level{"srv": deploy.LevelCritical}}
	current := statusWith(deploy.LevelHealthy, 100, map[string]deploy.Level{"srv": deploy.LevelHealthy})

	got := DetectLevelTransitions(prev, current)

	if len(got) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(got))
	}
	if got[0].Worsened() {
		t.Fatal("expected improvement")
	}
	if got[0].Score == nil || got[0].Score.Delta != 80 {
		t.Fatalf("unexpected score change: %+v", got[0].Score)
	}
}

func TestDetectLevelTransitionsUsesLastNotified(t *testing.T) {
	prev := &state.DeploymentSnapshot{Level: deploy.LevelDegraded, LastNotifiedLevel: deploy.LevelWarning, Resources: map[string]deploy.Level{}}
	current := statusWith(deploy.LevelDegraded, 50, nil)

	got := DetectLevelTransitions(prev, current)

	if len(got) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(got))
	}
	if got[0].PreviousLevel != deploy.LevelWarning || !got[0].Worsened() {
		t.Fatalf("unexpected transition: %+v", got[0])
	}
}

func TestDetectLevelTransitionsNewResource(t *testing.T) {
	prev := &state.DeploymentSnapshot{Level: deploy.LevelHealthy, Resources: map[string]deploy.Level{"a": deploy.LevelHealthy}}
	current := statusWith(deploy.LevelHealthy, 100, map[string]deploy.Level{"a": deploy.LevelHealthy, "b": deploy.LevelHealthy, "c": deploy.LevelWarning})

	got := DetectLevelTransitions(prev, current)

	if len(got) != 1 || got[0].ResourceID != "c" {
		t.Fatalf("expected only the new unhealthy resource, got %+v", got)
	}
}

func TestSnapshotCarriesNotifiedLevel(t *testing.T) {
	checked := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	current := statusWith(deploy.LevelWarning, 70, map[string]deploy.Level{"srv": deploy.LevelWarning})
	current.LastHealthCheck = &checked

	notified := Snapshot(current, true, nil)
	if notified.LastNotifiedLevel != deploy.LevelWarning || !notified.EvaluatedAt.Equal(checked) {
		t.Fatalf("unexpected snapshot: %+v", notified)
	}

	prev := &state.DeploymentSnapshot{LastNotifiedLevel: deploy.LevelHealthy}
	kept := Snapshot(current, false, prev)
	if kept.LastNotifiedLevel != deploy.LevelHealthy {
		t.Fatalf("expected previous notified level to be kept, got %s", kept.LastNotifiedLevel)
	}
	if kept.Resources["srv"] != deploy.LevelWarning {
		t.Fatalf("unexpected resource level: %s", kept.Resources["srv"])
	}
}
