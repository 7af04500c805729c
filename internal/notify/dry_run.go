package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// DryRunNotifier logs alerts without sending notifications.
type DryRunNotifier struct {
	logger zerolog.Logger
	inner  Notifier
}

// NewDryRunNotifier returns a notifier that suppresses delivery to inner and logs instead.
func NewDryRunNotifier(logger zerolog.Logger, inner Notifier) *DryRunNotifier {
	return &DryRunNotifier{logger: logger, inner: inner}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, alert Alert) error {
	event := n.logger.Info().
		Str("kind", string(alert.Kind)).
		Str("severity", string(alert.Severity)).
		Str("title", alert.Title)
	if alert.DeploymentID != "" {
		event = event.Str("deployment_id", alert.DeploymentID)
	}
	if alert.Message != "" {
		event = event.Str("message", alert.Message)
	}
	event.Int("transitions", len(alert.Transitions)).
		Int("zombies", len(alert.Zombies)).
		Msg("[DRY-RUN] Would notify")
	return nil
}
