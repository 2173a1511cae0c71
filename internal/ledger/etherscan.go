package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/liamashdown/peggwatch/internal/config"
	"github.com/liamashdown/peggwatch/internal/metrics"
	"github.com/liamashdown/peggwatch/internal/ratelimit"
)

// DefaultEtherscanURL is the Etherscan V2 multichain endpoint
const DefaultEtherscanURL = "https://api.etherscan.io/v2/api"

// Chain is an EVM network served by the Etherscan V2 API
type Chain struct {
	ID          int64
	ExplorerURL string
}

// Chains lists the networks the Etherscan adapter knows by name
var Chains = map[string]Chain{
	"ethereum":  {ID: 1, ExplorerURL: "https://etherscan.io/tx/"},
	"polygon":   {ID: 137, ExplorerURL: "https://polygonscan.com/tx/"},
	"arbitrum":  {ID: 42161, ExplorerURL: "https://arbiscan.io/tx/"},
	"optimism":  {ID: 10, ExplorerURL: "https://optimistic.etherscan.io/tx/"},
	"base":      {ID: 8453, ExplorerURL: "https://basescan.org/tx/"},
	"bsc":       {ID: 56, ExplorerURL: "https://bscscan.com/tx/"},
	"avalanche": {ID: 43114, ExplorerURL: "https://snowtrace.io/tx/"},
}

const etherscanNoTransactions = "No transactions found"

// Etherscan lists ERC-20 transfers through the Etherscan V2 tokentx action
type Etherscan struct {
	network     string
	baseURL     string
	apiKey      string
	chainID     int64
	explorerURL string
	httpClient  *http.Client
	limiter     *ratelimit.Limiter
	tokens      tokenIndex
}

// NewEtherscan creates an Etherscan adapter, filling chain id and explorer URL from Chains
func NewEtherscan(n config.NetworkConfig) *Etherscan {
	chain := Chains[n.Name]
	e := &Etherscan{
		network:     n.Name,
		baseURL:     n.BaseURL,
		apiKey:      n.APIKey,
		chainID:     n.ChainID,
		explorerURL: n.ExplorerURL,
		httpClient:  &http.Client{Timeout: n.Timeout},
		limiter:     ratelimit.New(n.RPS),
		tokens:      newTokenIndex(n.Tokens),
	}
	if e.baseURL == "" {
		e.baseURL = DefaultEtherscanURL
	}
	if e.chainID == 0 {
		e.chainID = chain.ID
	}
	if e.explorerURL == "" {
		e.explorerURL = chain.ExplorerURL
	}
	return e
}

type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type etherscanTransfer struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	From            string `json:"from"`
	ContractAddress string `json:"contractAddress"`
	To              string `json:"to"`
	Value           string `json:"value"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
}

// ListRecentTransfers returns the newest token transfers for an address or contract
func (e *Etherscan) ListRecentTransfers(ctx context.Context, q Query) (out []RawTransfer, err error) {
	start := time.Now()
	defer func() { metrics.RecordAPIRequest("etherscan", "tokentx", time.Since(start), err) }()

	if q.Address == "" && q.Contract == "" {
		return nil, &FetchError{Network: e.network, Op: "tokentx", Err: errors.New("address or contract required")}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Network: e.network, Op: "rate limit wait", Err: err}
	}

	u, err := url.Parse(e.baseURL)
	if err != nil {
		return nil, &FetchError{Network: e.network, Op: "parse URL", Err: err}
	}

	params := u.Query()
	params.Set("chainid", strconv.FormatInt(e.chainID, 10))
	params.Set("module", "account")
	params.Set("action", "tokentx")
	params.Set("page", "1")
	params.Set("offset", strconv.Itoa(q.Limit))
	params.Set("sort", "desc")
	if q.Address != "" {
		params.Set("address", q.Address)
	}
	if q.Contract != "" {
		params.Set("contractaddress", q.Contract)
	}
	if e.apiKey != "" {
		params.Set("apikey", e.apiKey)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{Network: e.network, Op: "create request", Err: err}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Network: e.network, Op: "execute request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FetchError{Network: e.network, Op: "tokentx", Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))}
	}

	var envelope etherscanResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &FetchError{Network: e.network, Op: "decode response", Err: err}
	}

	if envelope.Status != "1" {
		if strings.HasPrefix(envelope.Message, etherscanNoTransactions) {
			return nil, nil
		}
		// on failure the result field carries the reason as a string
		var reason string
		_ = json.Unmarshal(envelope.Result, &reason)
		return nil, &FetchError{Network: e.network, Op: "tokentx", Err: fmt.Errorf("%s: %s", envelope.Message, reason)}
	}

	var rows []etherscanTransfer
	if err := json.Unmarshal(envelope.Result, &rows); err != nil {
		return nil, &FetchError{Network: e.network, Op: "decode result", Err: err}
	}

	out = make([]RawTransfer, 0, len(rows))
	for _, row := range rows {
		out = append(out, e.toRaw(row))
	}
	return out, nil
}

// toRaw keeps unparseable numbers as nil or negative so Normalize rejects the record
func (e *Etherscan) toRaw(row etherscanTransfer) RawTransfer {
	raw := RawTransfer{
		TxID:     row.Hash,
		From:     row.From,
		To:       row.To,
		Symbol:   row.TokenSymbol,
		Contract: row.ContractAddress,
		Decimals: -1,
	}
	if v, ok := new(big.Int).SetString(row.Value, 10); ok {
		raw.Value = v
	}
	if d, err := strconv.Atoi(row.TokenDecimal); err == nil {
		raw.Decimals = d
	}
	if tok, ok := e.tokens.lookup(row.ContractAddress); ok {
		raw.Symbol = tok.Symbol
	}
	raw.Timestamp, _ = strconv.ParseInt(row.TimeStamp, 10, 64)
	raw.BlockNumber, _ = strconv.ParseUint(row.BlockNumber, 10, 64)
	if e.explorerURL != "" && row.Hash != "" {
		raw.URL = e.explorerURL + row.Hash
	}
	return raw
}
