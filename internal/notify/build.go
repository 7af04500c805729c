package notify

import (
	"github.com/nholik/deployguard/internal/config"
	"github.com/rs/zerolog"
)

// FromConfig assembles the configured notifiers. With no destination
// configured it returns a NoopNotifier; with DG_NOTIFY_DRY_RUN the result
// only logs.
func FromConfig(logger zerolog.Logger, cfg config.Config) (Notifier, error) {
	logger = logger.With().Str("component", "notify").Logger()

	if cfg.SlackWebhookURL == "" && cfg.WebhookURL == "" {
		return NewNoop(logger, "no notification destination configured; notifications disabled"), nil
	}

	var notifiers []Notifier
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, NewSlackNotifier(logger, cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		webhook, err := NewWebhookNotifier(logger, cfg.WebhookURL, cfg.WebhookTemplate)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, webhook)
	}

	multi := NewMultiNotifier(notifiers...)
	if cfg.NotifyDryRun {
		return NewDryRunNotifier(logger, multi), nil
	}
	return multi, nil
}
