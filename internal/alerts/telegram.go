package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultTelegramAPI is the Bot API base URL
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramChannel sends alerts through a Telegram bot
type TelegramChannel struct {
	apiBase    string
	token      string
	chatID     string
	httpClient *http.Client
}

// NewTelegramChannel creates a new Telegram channel
func NewTelegramChannel(apiBase, token, chatID string) *TelegramChannel {
	if apiBase == "" {
		apiBase = DefaultTelegramAPI
	}
	return &TelegramChannel{
		apiBase:    strings.TrimRight(apiBase, "/"),
		token:      token,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Tier() Tier { return TierMessaging }

// Notify posts the message to sendMessage and checks the ok flag of the reply
func (c *TelegramChannel) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string]interface{}{
		"chat_id":                  c.chatID,
		"text":                     formatText(msg, 4096),
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.apiBase, c.token)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// the url carries the bot token
		return fmt.Errorf("execute request: %s", redact(err.Error(), c.token))
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode telegram response (status %d): %w", resp.StatusCode, err)
	}
	if !out.OK {
		return fmt.Errorf("telegram rejected message (status %d): %s", resp.StatusCode, out.Description)
	}
	return nil
}

// formatText renders a plain-text message for chat and tweet channels
func formatText(msg Message, maxLen int) string {
	var b strings.Builder
	b.WriteString(msg.Title)
	if msg.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(msg.Body)
	}
	if len(msg.Fields) > 0 {
		b.WriteString("\n")
		for _, f := range msg.Fields {
			fmt.Fprintf(&b, "\n%s: %s", f.Name, f.Value)
		}
	}
	if msg.URL != "" {
		b.WriteString("\n\n")
		b.WriteString(msg.URL)
	}
	if msg.Quote != "" {
		b.WriteString("\n\n🐸 ")
		b.WriteString(msg.Quote)
	}
	return truncate(b.String(), maxLen)
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "***")
}
