package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/transition"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

const (
	slackMaxBlocks = 50
	// slackReservedBlocks accounts for header block + context block in each message
	slackReservedBlocks = 2
	slackMaxDetails     = slackMaxBlocks - slackReservedBlocks
)

type SlackNotifier struct {
	logger     zerolog.Logger
	webhookURL string
	timing     deliveryTiming
	delivery   *deliverer
}

// SlackOption customizes SlackNotifier behavior.
type SlackOption func(*SlackNotifier)

// WithSlackTiming overrides timing parameters (primarily for testing).
func WithSlackTiming(rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) SlackOption {
	return func(s *SlackNotifier) {
		s.timing.perKeyEvery = rateInterval
		s.timing.perKeyBurst = rateBurst
		s.timing.retryInitial = backoffInitial
		s.timing.retryMax = backoffMax
		s.timing.retryBudget = backoffMaxElapsed
	}
}

// NewSlackNotifier creates a Slack notifier or a noop notifier when the webhook is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...SlackOption) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; notifications disabled")
	}

	notifier := &SlackNotifier{
		logger:     logger,
		webhookURL: webhookURL,
		timing:     defaultDeliveryTiming,
	}

	for _, opt := range opts {
		opt(notifier)
	}

	notifier.delivery = newDeliverer(logger, "slack", webhookURL, notifier.timing)

	return notifier
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, alert Alert) error {
	messages := buildSlackMessages(alert)
	payloads := make([][]byte, 0, len(messages))
	for _, message := range messages {
		payload, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("marshal slack payload: %w", err)
		}
		payloads = append(payloads, payload)
	}
	if err := n.delivery.deliver(ctx, alert.Key(), payloads...); err != nil {
		return err
	}

	n.logger.Debug().
		Str("kind", string(alert.Kind)).
		Str("deployment_id", alert.DeploymentID).
		Int("messages", len(messages)).
		Msg("slack notification sent")

	return nil
}

// buildSlackMessages renders one alert, splitting detail blocks across
// messages so none exceeds Slack's block limit.
func buildSlackMessages(alert Alert) []slack.WebhookMessage {
	details := detailBlocks(alert)
	if len(details) <= slackMaxDetails {
		return []slack.WebhookMessage{buildSlackMessage(alert, details, 1, 1)}
	}

	total := len(details)
	chunkTotal := (total + slackMaxDetails - 1) / slackMaxDetails
	messages := make([]slack.WebhookMessage, 0, chunkTotal)

	for i := 0; i < total; i += slackMaxDetails {
		end := i + slackMaxDetails
		if end > total {
			end = total
		}
		partIndex := (i / slackMaxDetails) + 1
		messages = append(messages, buildSlackMessage(alert, details[i:end], partIndex, chunkTotal))
	}
	return messages
}

func buildSlackMessage(alert Alert, details []slack.Block, partIndex int, partTotal int) slack.WebhookMessage {
	summary := fmt.Sprintf("%s %s", severityEmoji(alert.Severity), alert.Title)
	if partTotal > 1 {
		summary = fmt.Sprintf("%s (part %d/%d)", summary, partIndex, partTotal)
	}
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, true, false))

	contextElements := []slack.MixedElement{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Severity: *%s*", alert.Severity), false, false),
	}
	if alert.DeploymentID != "" {
		contextElements = append(contextElements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Deployment: `%s`", alert.DeploymentID), false, false))
	}
	if alert.ExecutionID != "" {
		contextElements = append(contextElements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Execution: `%s`", alert.ExecutionID), false, false))
	}
	if partTotal > 1 {
		contextElements = append(contextElements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Batch: %d/%d", partIndex, partTotal), false, false))
	}
	context := slack.NewContextBlock("", contextElements...)

	blocks := append([]slack.Block{header, context}, details...)
	blockSet := slack.Blocks{BlockSet: blocks}
	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &blockSet,
	}
}

func detailBlocks(alert Alert) []slack.Block {
	blocks := make([]slack.Block, 0, 1+len(alert.Transitions)+len(alert.Zombies))
	if alert.Message != "" {
		blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", alert.Message, false, false), nil, nil))
	}
	if alert.Failure != nil {
		blocks = append(blocks, buildFailureBlock(alert.ErrorType, alert.Failure))
	}
	for _, change := range alert.Transitions {
		blocks = append(blocks, buildTransitionBlock(change))
	}
	for _, zombie := range alert.Zombies {
		blocks = append(blocks, buildZombieBlock(zombie))
	}
	return blocks
}

func buildFailureBlock(errType deploy.ErrorType, summary *deploy.FailureSummary) slack.Block {
	title := "*Root cause:* " + summary.RootCause
	if errType != "" {
		title = fmt.Sprintf("%s (`%s`)", title, errType)
	}
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Estimated repair:*\n%d min", summary.EstimatedRepairMins), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Cost impact:*\n$%.2f", summary.EstimatedCostImpact), false, false),
	}
	if summary.LastAttemptedFix != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Last attempted fix:*\n"+summary.LastAttemptedFix, false, false))
	}
	if len(summary.Suggestions) > 0 {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Suggestions:*\n• "+strings.Join(summary.Suggestions, "\n• "), false, false))
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", title, false, false), fields, nil)
}

func buildTransitionBlock(change transition.LevelTransition) slack.Block {
	subject := "deployment"
	if change.ResourceID != "" {
		subject = change.ResourceID
	}
	title := fmt.Sprintf("*%s*: `%s` → `%s`", subject, levelLabel(change.PreviousLevel), levelLabel(change.CurrentLevel))
	text := slack.NewTextBlockObject("mrkdwn", title, false, false)

	fields := make([]*slack.TextBlockObject, 0, 2)
	if change.Score != nil {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", formatScore(change.Score), false, false))
	}
	if len(change.Reasons) > 0 {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Reasons:*\n"+strings.Join(change.Reasons, ", "), false, false))
	}
	return slack.NewSectionBlock(text, fields, nil)
}

func buildZombieBlock(zombie deploy.ZombieCandidate) slack.Block {
	title := fmt.Sprintf("*%s* (%s): %s", zombie.ResourceID, zombie.DeploymentID, zombie.Recommendation)
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Reason:*\n%s (%.0f%% confidence)", zombie.Reason, zombie.Confidence*100), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Monthly cost:*\n$%.2f", zombie.MonthlyCost), false, false),
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", title, false, false), fields, nil)
}

func formatScore(score *transition.ScoreChange) string {
	if score.Delta == 0 {
		return fmt.Sprintf("*Score:*\n%.0f", score.Current)
	}
	return fmt.Sprintf("*Score:*\n%.0f (Δ %+.0f)", score.Current, score.Delta)
}

func levelLabel(level deploy.Level) string {
	if level == "" {
		return "UNKNOWN"
	}
	return string(level)
}

func severityEmoji(severity deploy.Severity) string {
	switch severity {
	case deploy.SeverityCritical:
		return ":red_circle:"
	case deploy.SeverityHigh:
		return ":large_orange_circle:"
	case deploy.SeverityMedium:
		return ":large_yellow_circle:"
	default:
		return ":large_green_circle:"
	}
}
