package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Slack sends notifications via Slack incoming webhook.
type Slack struct {
	client     *http.Client
	webhookURL string
}

// NewSlack creates a new Slack notifier.
func NewSlack(webhookURL string) *Slack {
	return &Slack{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": slackIcon(n.Event) + " " + n.Title},
		},
		{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": slackSummary(n)},
		},
	}

	if len(n.Items) > 0 {
		var elements []map[string]any
		for _, item := range topItems(n.Items) {
			elements = append(elements, map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("<%s|%s> [%s] heat %.2f", item.SourceURL, item.Title, item.SourcePlatform, item.NormalizedHeatScore),
			})
		}
		blocks = append(blocks, map[string]any{"type": "context", "elements": elements})
	}

	body, err := json.Marshal(map[string]any{"text": n.Title, "blocks": blocks})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	if err := post(ctx, s.client, s.webhookURL, body, nil); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

func slackSummary(n *Notification) string {
	switch n.Event {
	case EventHotItems:
		return fmt.Sprintf("*Top heat:* %.2f | *Items:* %d\n%s", n.Score, len(n.Items), n.Body)
	default:
		return fmt.Sprintf("*Source:* %s\n%s", n.Source, n.Body)
	}
}

func slackIcon(e Event) string {
	switch e {
	case EventCircuitOpened:
		return "🚨"
	case EventBrokerError:
		return "⚠️"
	default:
		return "🔥"
	}
}
