package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/rs/zerolog"
)

const defaultWebhookTemplate = `{{ toJson .Alert }}`

// WebhookPayload is the template context for webhook notifications.
type WebhookPayload struct {
	Alert       Alert
	GeneratedAt time.Time
}

// WebhookNotifier sends alerts to a generic webhook.
type WebhookNotifier struct {
	logger   zerolog.Logger
	template *template.Template
	delivery *deliverer
}

// NewWebhookNotifier creates a webhook notifier with the provided template.
// An empty URL returns a nil notifier, which MultiNotifier skips.
func NewWebhookNotifier(logger zerolog.Logger, webhookURL string, tmpl string) (*WebhookNotifier, error) {
	if webhookURL == "" {
		return nil, nil
	}
	if tmpl == "" {
		tmpl = defaultWebhookTemplate
	}

	parsed, err := template.New("webhook").Funcs(template.FuncMap{
		"toJson": func(v any) (string, error) {
			encoded, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		},
	}).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse webhook template: %w", err)
	}

	return &WebhookNotifier{
		logger:   logger,
		template: parsed,
		delivery: newDeliverer(logger, "webhook", webhookURL, defaultDeliveryTiming),
	}, nil
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	if n == nil {
		return nil
	}

	payload := WebhookPayload{
		Alert:       alert,
		GeneratedAt: time.Now().UTC(),
	}

	var buf bytes.Buffer
	if err := n.template.Execute(&buf, payload); err != nil {
		return fmt.Errorf("render webhook template: %w", err)
	}

	if err := n.delivery.deliver(ctx, alert.Key(), buf.Bytes()); err != nil {
		return err
	}

	n.logger.Debug().
		Str("kind", string(alert.Kind)).
		Str("deployment_id", alert.DeploymentID).
		Msg("webhook notification sent")

	return nil
}
