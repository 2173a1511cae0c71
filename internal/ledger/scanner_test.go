package ledger

import (
	"context"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/liamashdown/peggwatch/internal/config"
	"github.com/liamashdown/peggwatch/internal/model"
)

type fakeExplorer struct {
	mu      sync.Mutex
	byAddr  map[string][]RawTransfer
	failFor map[string]bool
	calls   []Query
	onCall  func(Query)
}

func (f *fakeExplorer) ListRecentTransfers(ctx context.Context, q Query) ([]RawTransfer, error) {
	f.mu.Lock()
	f.calls = append(f.calls, q)
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(q)
	}
	key := q.Address
	if key == "" {
		key = q.Contract
	}
	if f.failFor[key] {
		return nil, &FetchError{Network: "ethereum", Op: "tokentx", Err: errors.New("boom")}
	}
	return f.byAddr[key], nil
}

type staticAccounts []model.TrackedAccount

func (s staticAccounts) ListAccounts(ctx context.Context, network string, activeOnly bool) ([]model.TrackedAccount, error) {
	return s, nil
}

type recordingSink struct {
	mu  sync.Mutex
	got []*model.Transfer
}

func (r *recordingSink) Ingest(ctx context.Context, t *model.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, t)
	return nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func raw(tx, symbol string, minor int64) RawTransfer {
	return RawTransfer{TxID: tx, From: "0xa", To: "0xb", Symbol: symbol, Value: big.NewInt(minor), Decimals: 6}
}

func scannerNetwork() config.NetworkConfig {
	return config.NetworkConfig{
		Name:     "ethereum",
		Kind:     config.KindEtherscan,
		Timeout:  time.Second,
		PageSize: 10,
		Tokens: []config.TokenConfig{
			{Symbol: "USDC", Contract: "0xfeed", Decimals: 6, Feed: true},
			{Symbol: "USDT", Contract: "0xnofeed", Decimals: 6},
		},
	}
}

func TestScannerCycle(t *testing.T) {
	explorer := &fakeExplorer{
		byAddr: map[string][]RawTransfer{
			"0xacct1": {raw("0x1", "USDC", 1), raw("0x2", "SHIB", 1), {TxID: "", Symbol: "USDC"}},
			"0xacct2": {raw("0x3", "usdt", 1)},
			"0xfeed":  {raw("0x4", "USDC", 1)},
		},
		failFor: map[string]bool{"0xbroken": true},
	}
	accounts := staticAccounts{
		{ID: 1, Network: "ethereum", Address: "0xacct1", IsActive: true},
		{ID: 2, Network: "ethereum", Address: "0xbroken", IsActive: true},
		{ID: 3, Network: "ethereum", Address: "0xacct2", IsActive: true},
	}
	sink := &recordingSink{}

	s := NewScanner(scannerNetwork(), []string{"USDC", "USDT"}, explorer, accounts, sink, quietLogger())
	stats, err := s.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if stats.Accounts != 3 || stats.Feeds != 1 || stats.Errors != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Skipped != 2 {
		t.Errorf("skipped = %d, want the disallowed and the malformed record", stats.Skipped)
	}

	var txs []string
	for _, tr := range sink.got {
		txs = append(txs, tr.TxID)
	}
	want := []string{"0x1", "0x3", "0x4"}
	if len(txs) != len(want) {
		t.Fatalf("ingested %v, want %v", txs, want)
	}
	for i := range want {
		if txs[i] != want[i] {
			t.Errorf("ingested %v, want %v in source order", txs, want)
			break
		}
	}
	if sink.got[2].AccountID != nil || sink.got[2].Direction != model.DirectionTransfer {
		t.Errorf("feed transfer should be account-agnostic: %+v", sink.got[2])
	}
	if sink.got[0].AccountID == nil || *sink.got[0].AccountID != 1 {
		t.Errorf("account transfer lost its account id")
	}
	for _, q := range explorer.calls {
		if q.Limit != 10 {
			t.Errorf("query limit = %d, want page size", q.Limit)
		}
		if q.Contract == "0xnofeed" {
			t.Error("tokens without feed must not be scanned contract-wide")
		}
	}
}

func TestScannerStopsSchedulingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	explorer := &fakeExplorer{byAddr: map[string][]RawTransfer{}}
	// cancel while the first unit is in flight; that unit still completes
	explorer.onCall = func(q Query) { cancel() }

	accounts := staticAccounts{
		{ID: 1, Address: "0xacct1"},
		{ID: 2, Address: "0xacct2"},
	}
	cfg := scannerNetwork()
	cfg.AccountDelay = time.Hour

	s := NewScanner(cfg, []string{"USDC"}, explorer, accounts, &recordingSink{}, quietLogger())
	_, err := s.Cycle(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(explorer.calls) != 1 {
		t.Errorf("explorer calls = %d, want 1", len(explorer.calls))
	}
}

type flakySink struct {
	recordingSink
	failures int
}

func (f *flakySink) Ingest(ctx context.Context, t *model.Transfer) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.recordingSink.Ingest(ctx, t)
}

func TestScannerRetriesRangeAfterIngestFailure(t *testing.T) {
	chain := &fakeChain{
		latest: 1000,
		logs:   []types.Log{transferLog(990, 0, "0x0a", counterparty, watched, 20_000_000_000)},
	}
	cps := &memCheckpoints{m: map[string]string{}}
	explorer := NewEVM(evmNetwork(), chain, cps)
	accounts := staticAccounts{{ID: 1, Network: "ethereum", Address: watched.Hex(), IsActive: true}}
	sink := &flakySink{failures: 1}

	s := NewScanner(evmNetwork(), []string{"USDC"}, explorer, accounts, sink, quietLogger())
	if _, err := s.Cycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if len(sink.got) != 0 || len(cps.m) != 0 {
		t.Fatalf("after failed ingest: got %d transfers, checkpoints %v", len(sink.got), cps.m)
	}

	if _, err := s.Cycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(sink.got) != 1 || sink.got[0].TxID != common.HexToHash("0x0a").Hex() {
		t.Fatalf("second cycle ingested %d transfers, want the retried one", len(sink.got))
	}
	if cps.m[explorer.checkpointKey(Query{Address: watched.Hex()})] != "1000" {
		t.Errorf("checkpoints = %v, want 1000 after a clean cycle", cps.m)
	}

	if _, err := s.Cycle(context.Background()); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if len(sink.got) != 1 {
		t.Errorf("committed range was read again: %d transfers", len(sink.got))
	}
}

type slowSink struct {
	recordingSink
	delay time.Duration
}

func (s *slowSink) Ingest(ctx context.Context, t *model.Transfer) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.recordingSink.Ingest(ctx, t)
}

func TestScannerIngestHasItsOwnTimeout(t *testing.T) {
	explorer := &fakeExplorer{byAddr: map[string][]RawTransfer{"0xacct1": {raw("0x1", "USDC", 1)}}}
	// the fetch uses most of the unit timeout
	explorer.onCall = func(q Query) { time.Sleep(150 * time.Millisecond) }

	cfg := scannerNetwork()
	cfg.Timeout = 200 * time.Millisecond
	cfg.Tokens = cfg.Tokens[1:]
	sink := &slowSink{delay: 150 * time.Millisecond}

	s := NewScanner(cfg, []string{"USDC"}, explorer, staticAccounts{{ID: 1, Address: "0xacct1"}}, sink, quietLogger())
	stats, err := s.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if stats.Transfers != 1 || len(sink.got) != 1 {
		t.Errorf("stats = %+v, ingested %d; want the transfer stored", stats, len(sink.got))
	}
}
