package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultXAPI is the X API base URL
const DefaultXAPI = "https://api.twitter.com"

const tweetLimit = 280

// XChannel posts CRITICAL alerts publicly
type XChannel struct {
	apiBase    string
	token      string
	httpClient *http.Client
}

// NewXChannel creates a new X channel
func NewXChannel(apiBase, bearerToken string) *XChannel {
	if apiBase == "" {
		apiBase = DefaultXAPI
	}
	return &XChannel{
		apiBase:    strings.TrimRight(apiBase, "/"),
		token:      bearerToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *XChannel) Name() string { return "x" }

func (c *XChannel) Tier() Tier { return TierPublic }

// Notify creates a post from the title, body and link
func (c *XChannel) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string]string{"text": tweetText(msg)})
	if err != nil {
		return fmt.Errorf("marshal tweet: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func tweetText(msg Message) string {
	text := msg.Title
	if msg.Body != "" {
		text += "\n\n" + msg.Body
	}
	if msg.URL == "" {
		return truncate(text, tweetLimit)
	}
	// links count as 23 characters no matter their length
	return truncate(text, tweetLimit-24) + "\n" + msg.URL
}
