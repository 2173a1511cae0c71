package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liamashdown/peggwatch/internal/config"
	"github.com/liamashdown/peggwatch/internal/metrics"
	"github.com/liamashdown/peggwatch/internal/model"
)

// Outcome is the result of admitting a transfer
type Outcome string

const (
	Admitted       Outcome = "admitted"
	Duplicate      Outcome = "duplicate"
	BelowThreshold Outcome = "below_threshold"
)

// Store is the authoritative transfer table
type Store interface {
	InsertTransferIfAbsent(ctx context.Context, t *model.Transfer) (bool, error)
	HasTransfer(ctx context.Context, key model.TransferKey) (bool, error)
}

// Deduplicator decides whether a transfer is new and large enough to alert on.
// Safe for concurrent use by every scanner.
type Deduplicator struct {
	store        Store
	min          decimal.Decimal
	critical     decimal.Decimal
	persistBelow bool
	claims       sync.Map // TransferKey string -> claim time
	now          func() time.Time
}

// New creates a deduplicator from the whale thresholds
func New(store Store, cfg config.WhaleConfig) *Deduplicator {
	return &Deduplicator{
		store:        store,
		min:          decimal.NewFromFloat(cfg.MinAmount),
		critical:     decimal.NewFromFloat(cfg.CriticalAmount),
		persistBelow: cfg.PersistBelowThreshold,
		now:          time.Now,
	}
}

// Admit claims the transfer's key and persists it. Only the first caller for a key gets
// Admitted or BelowThreshold; every later caller, in this process or after a restart, gets
// Duplicate. A failed store write releases the claim so a later scan can retry.
func (d *Deduplicator) Admit(ctx context.Context, t *model.Transfer) (outcome Outcome, err error) {
	defer func() {
		if err != nil {
			metrics.RecordTransfer(t.Network, "error")
			return
		}
		metrics.RecordTransfer(t.Network, string(outcome))
	}()

	key := t.Key()
	if _, loaded := d.claims.LoadOrStore(key.String(), d.now()); loaded {
		return Duplicate, nil
	}

	below := t.Amount.LessThan(d.min)

	if below && !d.persistBelow {
		exists, err := d.store.HasTransfer(ctx, key)
		if err != nil {
			d.claims.Delete(key.String())
			return "", fmt.Errorf("check transfer %s: %w", key, err)
		}
		if exists {
			return Duplicate, nil
		}
		return BelowThreshold, nil
	}

	created, err := d.store.InsertTransferIfAbsent(ctx, t)
	if err != nil {
		d.claims.Delete(key.String())
		return "", fmt.Errorf("store transfer %s: %w", key, err)
	}
	if !created {
		return Duplicate, nil
	}
	if below {
		return BelowThreshold, nil
	}
	return Admitted, nil
}

// Classify maps an amount to a whale severity: CRITICAL at or above the critical amount,
// HIGH at or above the minimum, LOW below it.
func (d *Deduplicator) Classify(amount decimal.Decimal) model.Severity {
	switch {
	case amount.GreaterThanOrEqual(d.critical):
		return model.SeverityCritical
	case amount.GreaterThanOrEqual(d.min):
		return model.SeverityHigh
	default:
		return model.SeverityLow
	}
}

// Min returns the alerting threshold
func (d *Deduplicator) Min() decimal.Decimal {
	return d.min
}

// Prune drops claims older than olderThan and reports how many were removed.
// Pruned keys are still rejected by the store's unique key.
func (d *Deduplicator) Prune(olderThan time.Duration) int {
	cutoff := d.now().Add(-olderThan)
	removed := 0
	d.claims.Range(func(k, v any) bool {
		if claimed, ok := v.(time.Time); ok && claimed.Before(cutoff) {
			d.claims.Delete(k)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of live claims
func (d *Deduplicator) Len() int {
	n := 0
	d.claims.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
