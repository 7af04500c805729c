// Package events carries lifecycle notifications from the orchestrator and the
// status monitor to observers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/transition"
	"github.com/rs/zerolog"
)

// Name identifies an event kind.
type Name string

const (
	DeploymentStarted     Name = "deployment_started"
	StepCompleted         Name = "step_completed"
	StepFailed            Name = "step_failed"
	DeploymentCompleted   Name = "deployment_completed"
	DeploymentFailed      Name = "deployment_failed"
	DeploymentCancelled   Name = "deployment_cancelled"
	ExecutionError        Name = "execution_error"
	RecoverySuccessful    Name = "recovery_successful"
	RecoveryFailed        Name = "recovery_failed"
	IssueDetected         Name = "issue_detected"
	IssueResolved         Name = "issue_resolved"
	ZombieServersDetected Name = "zombie_servers_detected"
	HealthStatusChanged   Name = "health_status_changed"
)

// Event is one notification. Only the fields relevant to Name are set; entity
// fields are snapshots and safe to retain.
type Event struct {
	Name         Name                         `json:"name"`
	Timestamp    time.Time                    `json:"timestamp"`
	DeploymentID string                       `json:"deployment_id,omitempty"`
	ExecutionID  string                       `json:"execution_id,omitempty"`
	WorkspaceID  string                       `json:"workspace_id,omitempty"`
	Execution    *deploy.Execution            `json:"execution,omitempty"`
	Step         *deploy.Step                 `json:"step,omitempty"`
	Error        *deploy.Error                `json:"error,omitempty"`
	Attempt      *deploy.RecoveryAttempt      `json:"attempt,omitempty"`
	Issue        *deploy.Issue                `json:"issue,omitempty"`
	Zombies      []deploy.ZombieCandidate     `json:"zombies,omitempty"`
	Transitions  []transition.LevelTransition `json:"transitions,omitempty"`
	Message      string                       `json:"message,omitempty"`
}

// Listener receives events. Implementations must not block for long; the bus
// calls them on the publisher's goroutine.
type Listener interface {
	Handle(ctx context.Context, event Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event Event) error

// Handle implements Listener.
func (f ListenerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Bus fans events out to listeners in subscription order.
type Bus struct {
	logger    zerolog.Logger
	mu        sync.RWMutex
	listeners []Listener
	now       func() time.Time
}

// NewBus returns a bus with the given listeners.
func NewBus(logger zerolog.Logger, listeners ...Listener) *Bus {
	b := &Bus{logger: logger, now: time.Now}
	for _, l := range listeners {
		b.Subscribe(l)
	}
	return b
}

// Subscribe adds a listener. Nil listeners are ignored.
func (b *Bus) Subscribe(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish delivers the event to every listener. Listener errors are logged and
// never stop delivery to the rest.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.RUnlock()

	for _, l := range listeners {
		if err := l.Handle(ctx, event); err != nil {
			b.logger.Warn().Err(err).Str("event", string(event.Name)).Str("deployment_id", event.DeploymentID).Msg("event listener failed")
		}
	}
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) {}

// Terminal reports whether the event ends an execution.
func (e Event) Terminal() bool {
	switch e.Name {
	case DeploymentCompleted, DeploymentFailed, DeploymentCancelled:
		return true
	}
	return false
}
