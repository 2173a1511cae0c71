package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/liamashdown/peggwatch/internal/config"
)

// ErrMalformed marks a raw record that cannot become a canonical transfer
var ErrMalformed = errors.New("malformed transfer")

// FetchError is returned when an explorer call fails
type FetchError struct {
	Network string
	Op      string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Network, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Query selects recent transfers. An empty Address means a contract-wide query on Contract.
type Query struct {
	Address  string
	Contract string
	Limit    int
}

// Checkpointer is implemented by explorers that resume from a saved position. Commit makes
// the position reached by the last fetch for q durable.
type Checkpointer interface {
	Commit(ctx context.Context, q Query) error
}

// RawTransfer is a transfer as reported by an explorer, amount still in minor units
type RawTransfer struct {
	TxID        string
	From        string
	To          string
	Symbol      string
	Contract    string
	Value       *big.Int
	Decimals    int
	Timestamp   int64
	BlockNumber uint64
	URL         string
}

// Explorer lists recent token transfers on one network
type Explorer interface {
	ListRecentTransfers(ctx context.Context, q Query) ([]RawTransfer, error)
}

// NewExplorer builds the adapter matching the network's kind
func NewExplorer(ctx context.Context, n config.NetworkConfig, checkpoints Checkpoints) (Explorer, error) {
	switch n.Kind {
	case config.KindEtherscan:
		return NewEtherscan(n), nil
	case config.KindSolscan:
		return NewSolscan(n), nil
	case config.KindEVMRPC:
		evm, err := DialEVM(ctx, n, checkpoints)
		if err != nil {
			return nil, err
		}
		return evm, nil
	default:
		return nil, fmt.Errorf("network %s: unknown kind %q", n.Name, n.Kind)
	}
}

// tokenIndex maps lowercased contract or mint addresses to the configured token
type tokenIndex map[string]config.TokenConfig

func newTokenIndex(tokens []config.TokenConfig) tokenIndex {
	idx := make(tokenIndex, len(tokens))
	for _, tok := range tokens {
		if tok.Contract == "" {
			continue
		}
		idx[strings.ToLower(tok.Contract)] = tok
	}
	return idx
}

func (idx tokenIndex) lookup(contract string) (config.TokenConfig, bool) {
	tok, ok := idx[strings.ToLower(contract)]
	return tok, ok
}
