package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/liamashdown/peggwatch/internal/model"
)

// Normalize converts a raw explorer record into a canonical transfer. With a nil account the
// direction is TRANSFER; otherwise IN when the account received and OUT when it sent.
func Normalize(network string, raw RawTransfer, account *model.TrackedAccount) (*model.Transfer, error) {
	switch {
	case strings.TrimSpace(raw.TxID) == "":
		return nil, fmt.Errorf("%w: empty tx id", ErrMalformed)
	case raw.Value == nil:
		return nil, fmt.Errorf("%w: %s has no value", ErrMalformed, raw.TxID)
	case raw.Value.Sign() < 0:
		return nil, fmt.Errorf("%w: %s has negative value", ErrMalformed, raw.TxID)
	case raw.Decimals < 0:
		return nil, fmt.Errorf("%w: %s has negative decimals", ErrMalformed, raw.TxID)
	case raw.Symbol == "":
		return nil, fmt.Errorf("%w: %s has no token symbol", ErrMalformed, raw.TxID)
	}

	t := &model.Transfer{
		TxID:         raw.TxID,
		Network:      network,
		Token:        strings.ToUpper(raw.Symbol),
		Amount:       decimal.NewFromBigInt(raw.Value, -int32(raw.Decimals)),
		Direction:    model.DirectionTransfer,
		FromAddress:  raw.From,
		ToAddress:    raw.To,
		BlockNumber:  raw.BlockNumber,
		TimestampSec: raw.Timestamp,
		ExplorerURL:  raw.URL,
	}

	if account != nil {
		id := account.ID
		t.AccountID = &id
		switch {
		case sameAddress(raw.To, account.Address):
			t.Direction = model.DirectionIn
		case sameAddress(raw.From, account.Address):
			t.Direction = model.DirectionOut
		}
	}

	return t, nil
}

// sameAddress compares EVM addresses by value and any other address format exactly
func sameAddress(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if common.IsHexAddress(a) && common.IsHexAddress(b) {
		return common.HexToAddress(a) == common.HexToAddress(b)
	}
	return a == b
}
