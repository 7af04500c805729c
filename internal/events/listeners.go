package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// LogListener writes every event to the logger at a level matching its kind.
type LogListener struct {
	logger zerolog.Logger
}

// NewLogListener returns a listener that logs events.
func NewLogListener(logger zerolog.Logger) *LogListener {
	return &LogListener{logger: logger.With().Str("component", "events").Logger()}
}

// Handle implements Listener.
func (l *LogListener) Handle(_ context.Context, e Event) error {
	var ev *zerolog.Event
	switch e.Name {
	case DeploymentFailed, ExecutionError, StepFailed:
		ev = l.logger.Error()
	case RecoveryFailed, IssueDetected, ZombieServersDetected, DeploymentCancelled:
		ev = l.logger.Warn()
	default:
		ev = l.logger.Info()
	}
	ev = ev.Str("event", string(e.Name)).Str("deployment_id", e.DeploymentID)
	if e.ExecutionID != "" {
		ev = ev.Str("execution_id", e.ExecutionID)
	}
	if e.Step != nil {
		ev = ev.Str("phase", string(e.Step.Phase)).Dur("duration", e.Step.Duration)
	}
	if e.Error != nil {
		ev = ev.Str("error_type", string(e.Error.Type)).Str("severity", string(e.Error.Severity))
	}
	if e.Attempt != nil {
		ev = ev.Str("strategy", e.Attempt.Strategy).Str("outcome", e.Attempt.Outcome)
	}
	if e.Issue != nil {
		ev = ev.Str("issue_id", e.Issue.ID).Str("issue", e.Issue.Title)
	}
	if len(e.Zombies) > 0 {
		ev = ev.Int("zombies", len(e.Zombies))
	}
	ev.Msg(e.Message)
	return nil
}

// ChanListener forwards events for one deployment to a channel. Events are
// dropped when the buffer is full.
type ChanListener struct {
	deploymentID string
	mu           sync.Mutex
	ch           chan Event
	closed       bool
}

// NewChanListener returns a listener buffering up to size events. An empty
// deploymentID forwards every event.
func NewChanListener(deploymentID string, size int) *ChanListener {
	return &ChanListener{deploymentID: deploymentID, ch: make(chan Event, size)}
}

// Events returns the receive side.
func (c *ChanListener) Events() <-chan Event {
	return c.ch
}

// Close stops forwarding and closes the channel.
func (c *ChanListener) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Handle implements Listener.
func (c *ChanListener) Handle(_ context.Context, e Event) error {
	if c.deploymentID != "" && e.DeploymentID != c.deploymentID {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.ch <- e:
	default:
	}
	return nil
}
