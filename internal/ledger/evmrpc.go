package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/liamashdown/peggwatch/internal/config"
	"github.com/liamashdown/peggwatch/internal/metrics"
	"github.com/liamashdown/peggwatch/internal/ratelimit"
)

// TransferTopic is topic0 of the ERC-20 Transfer event
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const maxCachedTimestamps = 4096

// LogReader is the subset of ethclient.Client the RPC adapter needs
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Checkpoints persists the last block scanned per query
type Checkpoints interface {
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
}

// EVM reads ERC-20 Transfer logs straight from a JSON-RPC node
type EVM struct {
	network     string
	client      LogReader
	rpcClient   *rpc.Client
	checkpoints Checkpoints
	lookback    uint64
	explorerURL string
	limiter     *ratelimit.Limiter
	tokens      map[common.Address]config.TokenConfig
	contracts   []common.Address

	mu      sync.RWMutex
	tsCache map[uint64]uint64
	pending map[string]uint64
}

// DialEVM connects to the network's RPC endpoint
func DialEVM(ctx context.Context, n config.NetworkConfig, checkpoints Checkpoints) (*EVM, error) {
	rpcClient, err := rpc.DialContext(ctx, n.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", n.Name, err)
	}
	e := NewEVM(n, ethclient.NewClient(rpcClient), checkpoints)
	e.rpcClient = rpcClient
	return e, nil
}

// NewEVM builds the adapter over an existing log reader; checkpoints may be nil
func NewEVM(n config.NetworkConfig, client LogReader, checkpoints Checkpoints) *EVM {
	e := &EVM{
		network:     n.Name,
		client:      client,
		checkpoints: checkpoints,
		lookback:    n.LookbackBlocks,
		explorerURL: n.ExplorerURL,
		limiter:     ratelimit.New(n.RPS),
		tokens:      make(map[common.Address]config.TokenConfig),
		tsCache:     make(map[uint64]uint64),
		pending:     make(map[string]uint64),
	}
	if e.explorerURL == "" {
		e.explorerURL = Chains[n.Name].ExplorerURL
	}
	for _, tok := range n.Tokens {
		if !common.IsHexAddress(tok.Contract) {
			continue
		}
		addr := common.HexToAddress(tok.Contract)
		e.tokens[addr] = tok
		e.contracts = append(e.contracts, addr)
	}
	return e
}

// Close closes the underlying RPC connection
func (e *EVM) Close() {
	if e.rpcClient != nil {
		e.rpcClient.Close()
	}
}

// ListRecentTransfers returns Transfer logs of the configured tokens in the lookback window,
// newest first. Per-account queries match the address as sender or recipient; the window
// starts after the last committed checkpoint for the same query. At most q.Limit logs are
// returned, rounded up to whole blocks; the rest are picked up on the next call.
func (e *EVM) ListRecentTransfers(ctx context.Context, q Query) (out []RawTransfer, err error) {
	start := time.Now()
	defer func() { metrics.RecordAPIRequest("evmrpc", "get_logs", time.Since(start), err) }()

	if q.Address == "" && q.Contract == "" {
		return nil, &FetchError{Network: e.network, Op: "get logs", Err: fmt.Errorf("address or contract required")}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Network: e.network, Op: "rate limit wait", Err: err}
	}
	latest, err := e.client.BlockNumber(ctx)
	if err != nil {
		return nil, &FetchError{Network: e.network, Op: "block number", Err: err}
	}

	from := uint64(0)
	if latest > e.lookback {
		from = latest - e.lookback
	}

	key := e.checkpointKey(q)
	if e.checkpoints != nil {
		if v, err := e.checkpoints.GetState(ctx, key); err == nil && v != "" {
			if last, err := strconv.ParseUint(v, 10, 64); err == nil && last+1 > from {
				from = last + 1
			}
		}
	}
	if from > latest {
		return nil, nil
	}

	var logs []types.Log
	for _, fq := range e.filters(q, from, latest) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{Network: e.network, Op: "rate limit wait", Err: err}
		}
		batch, err := e.client.FilterLogs(ctx, fq)
		if err != nil {
			return nil, &FetchError{Network: e.network, Op: "get logs", Err: err}
		}
		logs = append(logs, batch...)
	}

	logs, to := pageLogs(logs, q.Limit, latest)

	out = make([]RawTransfer, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		raw, err := e.toRaw(ctx, logs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}

	e.mu.Lock()
	e.pending[key] = to
	e.mu.Unlock()
	return out, nil
}

// Commit stores the checkpoint reached by the last ListRecentTransfers for q. The scanner
// calls it only after every returned transfer was ingested, so a failed unit is read again.
func (e *EVM) Commit(ctx context.Context, q Query) error {
	key := e.checkpointKey(q)
	e.mu.Lock()
	block, ok := e.pending[key]
	delete(e.pending, key)
	e.mu.Unlock()
	if !ok || e.checkpoints == nil {
		return nil
	}
	if err := e.checkpoints.SetState(ctx, key, strconv.FormatUint(block, 10)); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key, err)
	}
	return nil
}

// pageLogs drops removed, non ERC-20 and repeated logs and orders the rest oldest first.
// When more than limit remain, whole blocks are kept up to the block holding the limit-th log,
// and that block becomes the checkpoint instead of latest.
func pageLogs(logs []types.Log, limit int, latest uint64) ([]types.Log, uint64) {
	kept := logs[:0:0]
	seen := make(map[string]bool, len(logs))
	for _, lg := range logs {
		// ERC-721 transfers index the token id as a fourth topic
		if lg.Removed || len(lg.Topics) != 3 {
			continue
		}
		id := lg.TxHash.Hex() + ":" + strconv.FormatUint(uint64(lg.Index), 10)
		if seen[id] {
			continue
		}
		seen[id] = true
		kept = append(kept, lg)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].BlockNumber != kept[j].BlockNumber {
			return kept[i].BlockNumber < kept[j].BlockNumber
		}
		return kept[i].Index < kept[j].Index
	})

	if limit <= 0 || len(kept) <= limit {
		return kept, latest
	}
	cut := kept[limit-1].BlockNumber
	n := limit
	for n < len(kept) && kept[n].BlockNumber == cut {
		n++
	}
	return kept[:n], cut
}

func (e *EVM) checkpointKey(q Query) string {
	subject := q.Address
	if subject == "" {
		subject = "contract:" + q.Contract
	}
	return "evmrpc." + e.network + "." + strings.ToLower(subject)
}

func (e *EVM) filters(q Query, from, to uint64) []ethereum.FilterQuery {
	base := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: e.contracts,
	}
	if q.Contract != "" {
		base.Addresses = []common.Address{common.HexToAddress(q.Contract)}
	}

	if q.Address == "" {
		base.Topics = [][]common.Hash{{TransferTopic}}
		return []ethereum.FilterQuery{base}
	}

	account := common.BytesToHash(common.HexToAddress(q.Address).Bytes())
	sent, received := base, base
	sent.Topics = [][]common.Hash{{TransferTopic}, {account}}
	received.Topics = [][]common.Hash{{TransferTopic}, nil, {account}}
	return []ethereum.FilterQuery{sent, received}
}

func (e *EVM) toRaw(ctx context.Context, lg types.Log) (RawTransfer, error) {
	raw := RawTransfer{
		TxID:        lg.TxHash.Hex(),
		From:        common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Contract:    lg.Address.Hex(),
		Decimals:    -1,
		BlockNumber: lg.BlockNumber,
	}
	if tok, ok := e.tokens[lg.Address]; ok {
		raw.Symbol = tok.Symbol
		raw.Decimals = tok.Decimals
	}
	if len(lg.Data) >= 32 {
		raw.Value = new(big.Int).SetBytes(lg.Data[:32])
	}
	if e.explorerURL != "" {
		raw.URL = e.explorerURL + raw.TxID
	}

	ts, err := e.blockTimestamp(ctx, lg.BlockNumber)
	if err != nil {
		return raw, &FetchError{Network: e.network, Op: "block header", Err: err}
	}
	raw.Timestamp = int64(ts)
	return raw, nil
}

// blockTimestamp returns the block time, using an in-memory cache
func (e *EVM) blockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	e.mu.RLock()
	ts, ok := e.tsCache[number]
	e.mu.RUnlock()
	if ok {
		return ts, nil
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	header, err := e.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	if len(e.tsCache) >= maxCachedTimestamps {
		e.tsCache = make(map[uint64]uint64)
	}
	e.tsCache[number] = header.Time
	e.mu.Unlock()

	return header.Time, nil
}
