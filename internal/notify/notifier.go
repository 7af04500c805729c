package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/events"
	"github.com/nholik/deployguard/internal/transition"
)

// Notifier delivers alerts to external systems.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Alert is the notifier-facing view of an event worth telling a human about.
type Alert struct {
	Kind         events.Name                  `json:"kind"`
	DeploymentID string                       `json:"deployment_id,omitempty"`
	ExecutionID  string                       `json:"execution_id,omitempty"`
	WorkspaceID  string                       `json:"workspace_id,omitempty"`
	Severity     deploy.Severity              `json:"severity"`
	Title        string                       `json:"title"`
	Message      string                       `json:"message,omitempty"`
	ErrorType    deploy.ErrorType             `json:"error_type,omitempty"`
	Failure      *deploy.FailureSummary       `json:"failure,omitempty"`
	Transitions  []transition.LevelTransition `json:"transitions,omitempty"`
	Zombies      []deploy.ZombieCandidate     `json:"zombies,omitempty"`
	At           time.Time                    `json:"at"`
}

// Key groups alerts for rate limiting.
func (a Alert) Key() string {
	if a.DeploymentID != "" {
		return a.DeploymentID
	}
	return string(a.Kind)
}

// FromEvent converts an event into an alert. Progress events and low
// severity issues are not alert-worthy and return false.
func FromEvent(e events.Event) (Alert, bool) {
	alert := Alert{
		Kind:         e.Name,
		DeploymentID: e.DeploymentID,
		ExecutionID:  e.ExecutionID,
		WorkspaceID:  e.WorkspaceID,
		Message:      e.Message,
		At:           e.Timestamp,
	}

	switch e.Name {
	case events.HealthStatusChanged:
		if len(e.Transitions) == 0 {
			return Alert{}, false
		}
		alert.Transitions = e.Transitions
		alert.Severity = severityForTransitions(e.Transitions)
		alert.Title = fmt.Sprintf("Deployment %s health changed", e.DeploymentID)
	case events.DeploymentFailed, events.ExecutionError:
		alert.Severity = deploy.SeverityCritical
		alert.Title = fmt.Sprintf("Deployment %s failed", e.DeploymentID)
		if e.Execution != nil {
			alert.Failure = e.Execution.FailureSummary
			if last := e.Execution.LastError(); last != nil {
				alert.ErrorType = last.Type
			}
		}
		if e.Error != nil {
			alert.ErrorType = e.Error.Type
		}
	case events.ZombieServersDetected:
		if len(e.Zombies) == 0 {
			return Alert{}, false
		}
		alert.Zombies = e.Zombies
		alert.Severity = deploy.SeverityMedium
		alert.Title = fmt.Sprintf("%d zombie servers detected", len(e.Zombies))
	case events.IssueDetected:
		if e.Issue == nil || e.Issue.Severity.Rank() < deploy.SeverityHigh.Rank() {
			return Alert{}, false
		}
		alert.Severity = e.Issue.Severity
		alert.Title = e.Issue.Title
		if alert.Message == "" {
			alert.Message = e.Issue.Description
		}
	default:
		return Alert{}, false
	}
	return alert, true
}

func severityForTransitions(transitions []transition.LevelTransition) deploy.Severity {
	worst := deploy.LevelHealthy
	for _, t := range transitions {
		if t.CurrentLevel.Rank() > worst.Rank() {
			worst = t.CurrentLevel
		}
	}
	switch worst {
	case deploy.LevelCritical, deploy.LevelFailed:
		return deploy.SeverityCritical
	case deploy.LevelDegraded:
		return deploy.SeverityHigh
	case deploy.LevelWarning:
		return deploy.SeverityMedium
	default:
		return deploy.SeverityLow
	}
}
