package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/liamashdown/peggwatch/internal/model"
)

// DiscordChannel posts alerts to one or more Discord webhooks
type DiscordChannel struct {
	webhookURLs []string
	environment string
	httpClient  *http.Client
}

// NewDiscordChannel creates a new Discord channel
func NewDiscordChannel(webhookURLs []string, environment string) *DiscordChannel {
	return &DiscordChannel{
		webhookURLs: webhookURLs,
		environment: environment,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *DiscordChannel) Name() string { return "discord" }

func (c *DiscordChannel) Tier() Tier { return TierMessaging }

// Notify posts the embed to every webhook; it fails if any webhook fails
func (c *DiscordChannel) Notify(ctx context.Context, msg Message) error {
	webhookPayload := map[string]interface{}{
		"embeds": []interface{}{c.buildEmbed(msg)},
	}

	body, err := json.Marshal(webhookPayload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var errs []error
	for i, url := range c.webhookURLs {
		if err := c.post(ctx, url, body); err != nil {
			errs = append(errs, fmt.Errorf("webhook %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (c *DiscordChannel) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return nil
}

func (c *DiscordChannel) buildEmbed(msg Message) map[string]interface{} {
	var color int
	switch {
	case msg.Kind == model.KindRecovery:
		color = 0x2ECC71 // Green
	case msg.Severity == model.SeverityCritical:
		color = 0xFF0000 // Red
	case msg.Severity == model.SeverityHigh:
		color = 0xFFA500 // Orange
	default:
		color = 0x0099FF // Blue
	}

	description := truncate(msg.Body, 2000)
	if msg.Quote != "" {
		description += fmt.Sprintf("\n\n🐸 *%s*", msg.Quote)
	}

	fields := make([]map[string]interface{}, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		if len(fields) == 25 {
			break
		}
		fields = append(fields, map[string]interface{}{
			"name":   f.Name,
			"value":  truncate(f.Value, 1024),
			"inline": true,
		})
	}

	footer := map[string]interface{}{
		"text": fmt.Sprintf("Peggwatch • %s • %s", c.environment, msg.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC")),
	}

	embed := map[string]interface{}{
		"title":       truncate(msg.Title, 256),
		"description": description,
		"color":       color,
		"fields":      fields,
		"footer":      footer,
		"timestamp":   msg.Timestamp.Format(time.RFC3339),
	}
	if msg.URL != "" {
		embed["url"] = msg.URL
	}

	return embed
}
