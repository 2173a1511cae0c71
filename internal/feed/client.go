package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/liamashdown/peggwatch/internal/config"
	"github.com/liamashdown/peggwatch/internal/metrics"
	"github.com/liamashdown/peggwatch/internal/ratelimit"
)

// ErrFetch wraps every failure to obtain a price snapshot
var ErrFetch = errors.New("price feed fetch failed")

// Quote is one instrument's price in USD
type Quote struct {
	Price     float64
	Change24h float64
}

// Source returns the latest quotes for a set of instrument ids
type Source interface {
	Snapshot(ctx context.Context, ids []string) (map[string]Quote, error)
}

// Client handles communication with the CoinGecko simple price API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
}

// NewClient creates a new price feed client
func NewClient(cfg config.PegConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.FeedURL, "/"),
		apiKey:     cfg.FeedAPIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    ratelimit.New(cfg.FeedRPS),
	}
}

type priceEntry struct {
	USD       *float64 `json:"usd"`
	Change24h *float64 `json:"usd_24h_change"`
}

// Snapshot fetches prices for all ids in one request. Ids the feed does not know are absent
// from the result; an entry without a usd price is returned with Price 0.
func (c *Client) Snapshot(ctx context.Context, ids []string) (out map[string]Quote, err error) {
	start := time.Now()
	defer func() { metrics.RecordAPIRequest("coingecko", "simple_price", time.Since(start), err) }()

	if len(ids) == 0 {
		return map[string]Quote{}, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %v", ErrFetch, err)
	}

	u, err := url.Parse(c.baseURL + "/simple/price")
	if err != nil {
		return nil, fmt.Errorf("%w: parse URL: %v", ErrFetch, err)
	}
	q := u.Query()
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: execute request: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: unexpected status %d: %s", ErrFetch, resp.StatusCode, string(body))
	}

	var raw map[string]priceEntry
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrFetch, err)
	}

	out = make(map[string]Quote, len(raw))
	for id, entry := range raw {
		var quote Quote
		if entry.USD != nil {
			quote.Price = *entry.USD
		}
		if entry.Change24h != nil {
			quote.Change24h = *entry.Change24h
		}
		out[id] = quote
	}
	return out, nil
}
