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

const (
	// DefaultSolscanURL is the Solscan public API
	DefaultSolscanURL = "https://public-api.solscan.io"
	// DefaultSolscanExplorer prefixes transaction signatures
	DefaultSolscanExplorer = "https://solscan.io/tx/"

	solSymbol   = "SOL"
	solDecimals = 9
)

// Solscan lists SPL token and native SOL transfers of a Solana account
type Solscan struct {
	network     string
	baseURL     string
	apiKey      string
	explorerURL string
	httpClient  *http.Client
	limiter     *ratelimit.Limiter
	mints       tokenIndex
	native      bool
}

// NewSolscan creates a Solscan adapter. Native SOL transfers are listed only when a token
// with symbol SOL and no mint is configured.
func NewSolscan(n config.NetworkConfig) *Solscan {
	s := &Solscan{
		network:     n.Name,
		baseURL:     strings.TrimRight(n.BaseURL, "/"),
		apiKey:      n.APIKey,
		explorerURL: n.ExplorerURL,
		httpClient:  &http.Client{Timeout: n.Timeout},
		limiter:     ratelimit.New(n.RPS),
		mints:       newTokenIndex(n.Tokens),
	}
	if s.baseURL == "" {
		s.baseURL = DefaultSolscanURL
	}
	if s.explorerURL == "" {
		s.explorerURL = DefaultSolscanExplorer
	}
	for _, tok := range n.Tokens {
		if tok.Contract == "" && strings.EqualFold(tok.Symbol, solSymbol) {
			s.native = true
		}
	}
	return s
}

type splTransfer struct {
	Signature    []string    `json:"signature"`
	ChangeType   string      `json:"changeType"`
	ChangeAmount json.Number `json:"changeAmount"`
	Decimals     int         `json:"decimals"`
	TokenAddress string      `json:"tokenAddress"`
	Symbol       string      `json:"symbol"`
	Owner        string      `json:"owner"`
	BlockTime    int64       `json:"blockTime"`
	Slot         uint64      `json:"slot"`
}

type solTransfer struct {
	TxHash    string      `json:"txHash"`
	Src       string      `json:"src"`
	Dst       string      `json:"dst"`
	Lamport   json.Number `json:"lamport"`
	BlockTime int64       `json:"blockTime"`
	Slot      uint64      `json:"slot"`
}

// ListRecentTransfers returns SPL transfers followed by native transfers of the account
func (s *Solscan) ListRecentTransfers(ctx context.Context, q Query) ([]RawTransfer, error) {
	if q.Address == "" {
		return nil, &FetchError{Network: s.network, Op: "splTransfers", Err: errors.New("contract-wide queries are not supported")}
	}

	var spl struct {
		Data []splTransfer `json:"data"`
	}
	if err := s.get(ctx, "/account/splTransfers", q, &spl); err != nil {
		return nil, err
	}

	out := make([]RawTransfer, 0, len(spl.Data))
	for _, row := range spl.Data {
		out = append(out, s.splToRaw(q.Address, row))
	}

	if !s.native {
		return out, nil
	}

	var native struct {
		Data []solTransfer `json:"data"`
	}
	if err := s.get(ctx, "/account/solTransfers", q, &native); err != nil {
		return nil, err
	}
	for _, row := range native.Data {
		out = append(out, s.solToRaw(row))
	}
	return out, nil
}

func (s *Solscan) get(ctx context.Context, path string, q Query, dst any) (err error) {
	op := strings.TrimPrefix(path, "/account/")
	start := time.Now()
	defer func() { metrics.RecordAPIRequest("solscan", op, time.Since(start), err) }()

	if err := s.limiter.Wait(ctx); err != nil {
		return &FetchError{Network: s.network, Op: "rate limit wait", Err: err}
	}

	u, err := url.Parse(s.baseURL + path)
	if err != nil {
		return &FetchError{Network: s.network, Op: "parse URL", Err: err}
	}
	params := u.Query()
	params.Set("account", q.Address)
	params.Set("offset", "0")
	params.Set("limit", strconv.Itoa(q.Limit))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &FetchError{Network: s.network, Op: "create request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("token", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &FetchError{Network: s.network, Op: "execute request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &FetchError{Network: s.network, Op: op, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return &FetchError{Network: s.network, Op: "decode " + op, Err: err}
	}
	return nil
}

// splToRaw places the account on the receiving side for "inc" changes and on the sending side
// for "dec"; the counterparty is not reported by this endpoint.
func (s *Solscan) splToRaw(account string, row splTransfer) RawTransfer {
	raw := RawTransfer{
		Symbol:      row.Symbol,
		Contract:    row.TokenAddress,
		Decimals:    row.Decimals,
		Timestamp:   row.BlockTime,
		BlockNumber: row.Slot,
	}
	if len(row.Signature) > 0 {
		raw.TxID = row.Signature[0]
		raw.URL = s.explorerURL + raw.TxID
	}
	if tok, ok := s.mints.lookup(row.TokenAddress); ok {
		raw.Symbol = tok.Symbol
	}

	switch row.ChangeType {
	case "inc":
		raw.To = account
	case "dec":
		raw.From = account
	default:
		// unknown change type leaves the record without a value
		return raw
	}

	amount := strings.TrimPrefix(row.ChangeAmount.String(), "-")
	if v, ok := new(big.Int).SetString(amount, 10); ok {
		raw.Value = v
	}
	return raw
}

func (s *Solscan) solToRaw(row solTransfer) RawTransfer {
	raw := RawTransfer{
		TxID:        row.TxHash,
		From:        row.Src,
		To:          row.Dst,
		Symbol:      solSymbol,
		Decimals:    solDecimals,
		Timestamp:   row.BlockTime,
		BlockNumber: row.Slot,
	}
	if row.TxHash != "" {
		raw.URL = s.explorerURL + row.TxHash
	}
	if v, ok := new(big.Int).SetString(row.Lamport.String(), 10); ok {
		raw.Value = v
	}
	return raw
}
