package ledger

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/liamashdown/peggwatch/internal/config"
	"github.com/liamashdown/peggwatch/internal/model"
)

var (
	usdcContract = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	watched      = common.HexToAddress("0x28C6c06298d514Db089934071355E5743bf21d60")
	counterparty = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

type fakeChain struct {
	latest  uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
	headers int
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return f.latest, nil
}

// FilterLogs applies the address and topic positions the way a node would
func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber < q.FromBlock.Uint64() || lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, lg.Address) {
			continue
		}
		if !topicsMatch(q.Topics, lg.Topics) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.headers++
	return &types.Header{Number: number, Time: 1_700_000_000 + number.Uint64()}, nil
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func topicsMatch(filter [][]common.Hash, topics []common.Hash) bool {
	for i, alts := range filter {
		if len(alts) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		ok := false
		for _, h := range alts {
			if h == topics[i] {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func transferLog(block uint64, index uint, tx string, from, to common.Address, value int64) types.Log {
	return types.Log{
		Address:     usdcContract,
		Topics:      []common.Hash{TransferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
		Index:       index,
	}
}

type memCheckpoints struct {
	mu sync.Mutex
	m  map[string]string
}

func (c *memCheckpoints) GetState(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[key], nil
}

func (c *memCheckpoints) SetState(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func evmNetwork() config.NetworkConfig {
	return config.NetworkConfig{
		Name:           "ethereum",
		Kind:           config.KindEVMRPC,
		Timeout:        time.Second,
		RPS:            1000,
		LookbackBlocks: 100,
		Tokens:         []config.TokenConfig{{Symbol: "USDC", Contract: usdcContract.Hex(), Decimals: 6}},
	}
}

func TestEVMAccountQuery(t *testing.T) {
	chain := &fakeChain{
		latest: 1000,
		logs: []types.Log{
			transferLog(950, 1, "0x01", counterparty, watched, 20_000_000_000),
			transferLog(960, 3, "0x02", watched, counterparty, 5_000_000),
			transferLog(970, 0, "0x03", counterparty, counterparty, 1),
			transferLog(800, 0, "0x04", counterparty, watched, 1), // outside lookback
		},
	}
	e := NewEVM(evmNetwork(), chain, nil)

	raws, err := e.ListRecentTransfers(context.Background(), Query{Address: watched.Hex(), Limit: 25})
	if err != nil {
		t.Fatalf("ListRecentTransfers: %v", err)
	}
	if len(chain.queries) != 2 {
		t.Errorf("queries = %d, want sender and recipient filters", len(chain.queries))
	}
	if len(raws) != 2 {
		t.Fatalf("got %d transfers, want 2", len(raws))
	}

	// newest first
	if raws[0].BlockNumber != 960 || raws[1].BlockNumber != 950 {
		t.Errorf("order = %d, %d", raws[0].BlockNumber, raws[1].BlockNumber)
	}
	acct := &model.TrackedAccount{ID: 1, Address: watched.Hex()}
	out, err := Normalize("ethereum", raws[0], acct)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out.Direction != model.DirectionOut || out.Amount.String() != "5" || out.Token != "USDC" {
		t.Errorf("transfer = %s %s %s", out.Direction, out.Amount, out.Token)
	}
	if out.TimestampSec != 1_700_000_960 {
		t.Errorf("timestamp = %d", out.TimestampSec)
	}
	if out.ExplorerURL != "https://etherscan.io/tx/"+out.TxID {
		t.Errorf("url = %s", out.ExplorerURL)
	}
}

func TestEVMCheckpointAndCache(t *testing.T) {
	chain := &fakeChain{
		latest: 1000,
		logs: []types.Log{
			transferLog(990, 0, "0x01", counterparty, watched, 1_000_000),
			transferLog(990, 1, "0x02", counterparty, watched, 2_000_000),
		},
	}
	cps := &memCheckpoints{m: map[string]string{}}
	e := NewEVM(evmNetwork(), chain, cps)
	q := Query{Contract: usdcContract.Hex(), Limit: 25}

	raws, err := e.ListRecentTransfers(context.Background(), q)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if len(raws) != 2 {
		t.Fatalf("first scan = %d transfers, want 2", len(raws))
	}
	if chain.headers != 1 {
		t.Errorf("header lookups = %d, want 1 for a shared block", chain.headers)
	}
	if len(cps.m) != 0 {
		t.Errorf("checkpoint saved before commit: %v", cps.m)
	}

	// uncommitted: the same window is read again
	raws, err = e.ListRecentTransfers(context.Background(), q)
	if err != nil || len(raws) != 2 {
		t.Fatalf("rescan = %d, %v; want 2", len(raws), err)
	}
	if err := e.Commit(context.Background(), q); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// no new blocks: the checkpoint skips the whole window
	raws, err = e.ListRecentTransfers(context.Background(), q)
	if err != nil || len(raws) != 0 {
		t.Errorf("second scan = %v, %v; want nothing", raws, err)
	}

	chain.latest = 1010
	chain.logs = append(chain.logs, transferLog(1005, 0, "0x05", watched, counterparty, 3_000_000))
	raws, err = e.ListRecentTransfers(context.Background(), q)
	if err != nil {
		t.Fatalf("third scan: %v", err)
	}
	if len(raws) != 1 || raws[0].BlockNumber != 1005 {
		t.Errorf("third scan = %+v, want only block 1005", raws)
	}
	last := chain.queries[len(chain.queries)-1]
	if last.FromBlock.Uint64() != 1001 {
		t.Errorf("from block = %d, want 1001", last.FromBlock.Uint64())
	}
}

func TestEVMLimitStopsAtBlockBoundary(t *testing.T) {
	chain := &fakeChain{
		latest: 1000,
		logs: []types.Log{
			transferLog(910, 0, "0x01", counterparty, watched, 1),
			transferLog(920, 0, "0x02", counterparty, watched, 2),
			transferLog(920, 1, "0x03", counterparty, watched, 3),
			transferLog(930, 0, "0x04", counterparty, watched, 4),
			transferLog(940, 0, "0x05", counterparty, watched, 5),
		},
	}
	cps := &memCheckpoints{m: map[string]string{}}
	e := NewEVM(evmNetwork(), chain, cps)
	q := Query{Contract: usdcContract.Hex(), Limit: 2}
	ctx := context.Background()

	raws, err := e.ListRecentTransfers(ctx, q)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	// block 920 is kept whole even though it overflows the limit
	if len(raws) != 3 || raws[0].BlockNumber != 920 || raws[2].BlockNumber != 910 {
		t.Fatalf("first page = %+v", raws)
	}
	if err := e.Commit(ctx, q); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := cps.m[e.checkpointKey(q)]; got != "920" {
		t.Errorf("checkpoint = %s, want 920", got)
	}

	raws, err = e.ListRecentTransfers(ctx, q)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(raws) != 2 || raws[0].BlockNumber != 940 || raws[1].BlockNumber != 930 {
		t.Fatalf("second page = %+v", raws)
	}
	if err := e.Commit(ctx, q); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := cps.m[e.checkpointKey(q)]; got != "1000" {
		t.Errorf("checkpoint = %s, want 1000", got)
	}
}
