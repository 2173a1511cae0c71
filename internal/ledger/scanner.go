package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liamashdown/peggwatch/internal/config"
	"github.com/liamashdown/peggwatch/internal/metrics"
	"github.com/liamashdown/peggwatch/internal/model"
)

// Sink receives canonical transfers in the order the explorer reported them
type Sink interface {
	Ingest(ctx context.Context, t *model.Transfer) error
}

// AccountSource lists the tracked accounts to scan
type AccountSource interface {
	ListAccounts(ctx context.Context, network string, activeOnly bool) ([]model.TrackedAccount, error)
}

// CycleStats summarises one scan cycle
type CycleStats struct {
	Accounts  int
	Feeds     int
	Transfers int
	Skipped   int
	Errors    int
}

// Scanner walks the tracked accounts of one network and forwards their transfers
type Scanner struct {
	cfg      config.NetworkConfig
	explorer Explorer
	accounts AccountSource
	sink     Sink
	allow    map[string]bool
	log      *logrus.Logger
}

// NewScanner creates a scanner for one network. Only tokens in allowlist reach the sink.
func NewScanner(cfg config.NetworkConfig, allowlist []string, explorer Explorer, accounts AccountSource, sink Sink, log *logrus.Logger) *Scanner {
	allow := make(map[string]bool, len(allowlist))
	for _, sym := range allowlist {
		allow[strings.ToUpper(strings.TrimSpace(sym))] = true
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25
	}
	return &Scanner{
		cfg:      cfg,
		explorer: explorer,
		accounts: accounts,
		sink:     sink,
		allow:    allow,
		log:      log,
	}
}

// Network returns the network name
func (s *Scanner) Network() string {
	return s.cfg.Name
}

// Cycle scans every active account, then every contract-wide feed. A failing account or feed
// is logged and counted; the cycle carries on. Once ctx is cancelled no new account is
// started, but the one in flight finishes under its own timeout.
func (s *Scanner) Cycle(ctx context.Context) (CycleStats, error) {
	start := time.Now()
	defer func() { metrics.RecordScanCycle(s.cfg.Name, time.Since(start)) }()

	var stats CycleStats

	accounts, err := s.accounts.ListAccounts(ctx, s.cfg.Name, true)
	if err != nil {
		return stats, fmt.Errorf("list accounts for %s: %w", s.cfg.Name, err)
	}

	for i := range accounts {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if i > 0 && !s.pause(ctx) {
			return stats, ctx.Err()
		}

		acct := &accounts[i]
		stats.Accounts++
		q := Query{Address: acct.Address, Limit: s.cfg.PageSize}
		if err := s.scanUnit(ctx, q, acct, &stats); err != nil {
			stats.Errors++
			metrics.RecordScanError(s.cfg.Name, "account")
			s.log.WithError(err).WithFields(logrus.Fields{
				"network": s.cfg.Name,
				"account": acct.Address,
				"name":    acct.Name,
			}).Warn("Account scan failed")
		}
	}

	for _, tok := range s.cfg.Tokens {
		if !tok.Feed || tok.Contract == "" {
			continue
		}
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		stats.Feeds++
		q := Query{Contract: tok.Contract, Limit: s.cfg.PageSize}
		if err := s.scanUnit(ctx, q, nil, &stats); err != nil {
			stats.Errors++
			metrics.RecordScanError(s.cfg.Name, "feed")
			s.log.WithError(err).WithFields(logrus.Fields{
				"network": s.cfg.Name,
				"token":   tok.Symbol,
			}).Warn("Feed scan failed")
		}
	}

	s.log.WithFields(logrus.Fields{
		"network":   s.cfg.Name,
		"accounts":  stats.Accounts,
		"feeds":     stats.Feeds,
		"transfers": stats.Transfers,
		"skipped":   stats.Skipped,
		"errors":    stats.Errors,
		"duration":  time.Since(start).String(),
	}).Info("Scan cycle complete")

	return stats, nil
}

// scanUnit runs one account or feed on contexts detached from loop cancellation. The fetch
// and the ingest get their own timeout so a slow node does not starve the store writes.
// Explorers with a checkpoint are committed only when no transfer failed to ingest.
func (s *Scanner) scanUnit(parent context.Context, q Query, acct *model.TrackedAccount, stats *CycleStats) error {
	fetchCtx, cancelFetch := context.WithTimeout(context.WithoutCancel(parent), s.cfg.Timeout)
	raws, err := s.explorer.ListRecentTransfers(fetchCtx, q)
	cancelFetch()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.cfg.Timeout)
	defer cancel()

	failed := false
	for _, raw := range raws {
		t, err := Normalize(s.cfg.Name, raw, acct)
		if err != nil {
			stats.Skipped++
			metrics.RecordScanError(s.cfg.Name, "malformed")
			s.log.WithError(err).WithField("network", s.cfg.Name).Debug("Skipping malformed transfer")
			continue
		}
		if !s.allow[t.Token] {
			stats.Skipped++
			continue
		}

		if err := s.sink.Ingest(ctx, t); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			failed = true
			s.log.WithError(err).WithFields(logrus.Fields{
				"network": s.cfg.Name,
				"tx_id":   t.TxID,
			}).Error("Failed to ingest transfer")
			continue
		}
		stats.Transfers++
	}

	cp, ok := s.explorer.(Checkpointer)
	if !ok || failed {
		return nil
	}
	if err := cp.Commit(ctx, q); err != nil {
		metrics.RecordScanError(s.cfg.Name, "checkpoint")
		s.log.WithError(err).WithField("network", s.cfg.Name).Warn("Failed to save scan checkpoint")
	}
	return nil
}

// pause waits account_delay between accounts; false when ctx ended first
func (s *Scanner) pause(ctx context.Context) bool {
	if s.cfg.AccountDelay <= 0 {
		return true
	}
	timer := time.NewTimer(s.cfg.AccountDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
