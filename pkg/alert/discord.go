package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Discord embed colors.
const (
	colorHot   = 0xFF6600
	colorAlarm = 0xD93025
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	desc := n.Body
	color := colorAlarm
	if n.Event == EventHotItems {
		color = colorHot
		var links []string
		for _, item := range topItems(n.Items) {
			links = append(links, fmt.Sprintf("• [%s](%s) [%s]", item.Title, item.SourceURL, item.SourcePlatform))
		}
		desc = fmt.Sprintf("**Top heat:** %.2f | **Items:** %d\n\n%s\n\n%s", n.Score, len(n.Items), n.Body, strings.Join(links, "\n"))
	} else if n.Source != "" {
		desc = fmt.Sprintf("**Source:** %s\n\n%s", n.Source, n.Body)
	}

	embed := map[string]any{
		"title":       n.Title,
		"description": desc,
		"color":       color,
		"timestamp":   n.Time.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(map[string]any{"embeds": []map[string]any{embed}})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	if err := post(ctx, d.client, d.webhookURL, body, nil); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}
