package notify

import (
	"context"

	"github.com/nholik/deployguard/internal/events"
	"github.com/rs/zerolog"
)

const defaultSinkBuffer = 64

// Sink is an events.Listener that turns alert-worthy events into
// notifications. Delivery runs on the goroutine calling Run so slow webhooks
// never stall the publisher; when the buffer is full the alert is dropped.
type Sink struct {
	logger   zerolog.Logger
	notifier Notifier
	queue    chan Alert
}

var _ events.Listener = (*Sink)(nil)

// NewSink returns a sink with the given buffer size (64 when size <= 0).
func NewSink(logger zerolog.Logger, notifier Notifier, size int) *Sink {
	if size <= 0 {
		size = defaultSinkBuffer
	}
	return &Sink{
		logger:   logger,
		notifier: notifier,
		queue:    make(chan Alert, size),
	}
}

// Handle implements events.Listener.
func (s *Sink) Handle(_ context.Context, e events.Event) error {
	alert, ok := FromEvent(e)
	if !ok {
		return nil
	}
	select {
	case s.queue <- alert:
	default:
		s.logger.Warn().
			Str("kind", string(alert.Kind)).
			Str("deployment_id", alert.DeploymentID).
			Msg("notification queue full; alert dropped")
	}
	return nil
}

// Run delivers queued alerts until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case alert := <-s.queue:
			if err := s.notifier.Notify(ctx, alert); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error().Err(err).
					Str("kind", string(alert.Kind)).
					Str("deployment_id", alert.DeploymentID).
					Msg("notification delivery failed")
			}
		}
	}
}
