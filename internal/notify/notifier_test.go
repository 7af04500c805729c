package notify

import (
	"context"
	"testing"
	"time"

	"github.com/nholik/deployguard/internal/config"
	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/events"
	"github.com/nholik/deployguard/internal/transition"
	"github.com/rs/zerolog"
)

func TestFromEvent(t *testing.T) {
	exec := &deploy.Execution{
		DeploymentID: "dep-1",
		FailureSummary: &deploy.FailureSummary{
			RootCause: "quota exceeded",
		},
		Errors: []*deploy.Error{{Type: deploy.ErrInfrastructure}},
	}

	tests := []struct {
		name     string
		event    events.Event
		ok       bool
		severity deploy.Severity
	}{
		{
			name:  "progress events are ignored",
			event: events.Event{Name: events.StepCompleted, DeploymentID: "dep-1"},
		},
		{
			name:  "empty transition list is ignored",
			event: events.Event{Name: events.HealthStatusChanged, DeploymentID: "dep-1"},
		},
		{
			name: "degraded transition",
			event: events.Event{Name: events.HealthStatusChanged, DeploymentID: "dep-1", Transitions: []transition.LevelTransition{
				{CurrentLevel: deploy.LevelDegraded},
				{ResourceID: "srv-1", CurrentLevel: deploy.LevelWarning},
			}},
			ok:       true,
			severity: deploy.SeverityHigh,
		},
		{
			name: "recovery to healthy",
			event: events.Event{Name: events.HealthStatusChanged, DeploymentID: "dep-1", Transitions: []transition.LevelTransition{
				{PreviousLevel: deploy.LevelCritical, CurrentLevel: deploy.LevelHealthy},
			}},
			ok:       true,
			severity: deploy.SeverityLow,
		},
		{
			name:     "deployment failed",
			event:    events.Event{Name: events.DeploymentFailed, DeploymentID: "dep-1", Execution: exec},
			ok:       true,
			severity: deploy.SeverityCritical,
		},
		{
			name:     "zombies",
			event:    events.Event{Name: events.ZombieServersDetected, Zombies: []deploy.ZombieCandidate{{ResourceID: "srv-1"}}},
			ok:       true,
			severity: deploy.SeverityMedium,
		},
		{
			name:  "medium issue is ignored",
			event: events.Event{Name: events.IssueDetected, Issue: &deploy.Issue{Severity: deploy.SeverityMedium}},
		},
		{
			name:     "critical issue",
			event:    events.Event{Name: events.IssueDetected, DeploymentID: "dep-1", Issue: &deploy.Issue{Severity: deploy.SeverityCritical, Title: "Deployment failed"}},
			ok:       true,
			severity: deploy.SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert, ok := FromEvent(tt.event)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && alert.Severity != tt.severity {
				t.Fatalf("expected severity %s, got %s", tt.severity, alert.Severity)
			}
		})
	}
}

func TestFromEventCarriesFailureSummary(t *testing.T) {
	exec := &deploy.Execution{
		DeploymentID:   "dep-1",
		FailureSummary: &deploy.FailureSummary{RootCause: "quota exceeded"},
		Errors:         []*deploy.Error{{Type: deploy.ErrInfrastructure}},
	}
	alert, ok := FromEvent(events.Event{Name: events.DeploymentFailed, DeploymentID: "dep-1", Execution: exec})
	if !ok {
		t.Fatalf("expected alert")
	}
	if alert.Failure == nil || alert.Failure.RootCause != "quota exceeded" {
		t.Fatalf("expected failure summary, got %+v", alert.Failure)
	}
	if alert.ErrorType != deploy.ErrInfrastructure {
		t.Fatalf("expected error type from last error, got %s", alert.ErrorType)
	}
	if alert.Key() != "dep-1" {
		t.Fatalf("expected deployment rate-limit key, got %s", alert.Key())
	}
}

func TestAlertKeyWithoutDeployment(t *testing.T) {
	alert := Alert{Kind: events.ZombieServersDetected}
	if alert.Key() != string(events.ZombieServersDetected) {
		t.Fatalf("unexpected key %q", alert.Key())
	}
}

func TestSinkDeliversAlerts(t *testing.T) {
	inner := &countingNotifier{}
	sink := NewSink(zerolog.Nop(), inner, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sink.Run(ctx)
		close(done)
	}()

	_ = sink.Handle(ctx, events.Event{Name: events.StepCompleted})
	_ = sink.Handle(ctx, events.Event{Name: events.ZombieServersDetected, Zombies: []deploy.ZombieCandidate{{ResourceID: "srv-1"}}})

	deadline := time.Now().Add(time.Second)
	for inner.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if inner.count() != 1 {
		t.Fatalf("expected 1 delivered alert, got %d", inner.count())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sink did not stop after cancel")
	}
}

func TestSinkDropsWhenFull(t *testing.T) {
	inner := &countingNotifier{}
	sink := NewSink(zerolog.Nop(), inner, 1)
	zombies := events.Event{Name: events.ZombieServersDetected, Zombies: []deploy.ZombieCandidate{{ResourceID: "srv-1"}}}

	if err := sink.Handle(context.Background(), zombies); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sink.Handle(context.Background(), zombies); err != nil {
		t.Fatalf("dropping must not fail the publisher: %v", err)
	}
	if len(sink.queue) != 1 {
		t.Fatalf("expected queue length 1, got %d", len(sink.queue))
	}
}

func TestFromConfig(t *testing.T) {
	n, err := FromConfig(zerolog.Nop(), config.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := n.(*NoopNotifier); !ok {
		t.Fatalf("expected noop notifier, got %T", n)
	}

	n, err = FromConfig(zerolog.Nop(), config.Config{SlackWebhookURL: "http://slack.invalid", WebhookURL: "http://hook.invalid"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	multi, ok := n.(*MultiNotifier)
	if !ok || multi.Len() != 2 {
		t.Fatalf("expected multi notifier with 2 destinations, got %T", n)
	}

	n, err = FromConfig(zerolog.Nop(), config.Config{WebhookURL: "http://hook.invalid", NotifyDryRun: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := n.(*DryRunNotifier); !ok {
		t.Fatalf("expected dry-run notifier, got %T", n)
	}
}

func TestFromConfigRejectsBadWebhookTemplate(t *testing.T) {
	_, err := FromConfig(zerolog.Nop(), config.Config{WebhookURL: "http://hook.invalid", WebhookTemplate: "{{ .Alert"})
	if err == nil {
		t.Fatalf("expected template parse error")
	}
}
