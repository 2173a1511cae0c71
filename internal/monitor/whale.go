package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/liamashdown/peggwatch/internal/alerts"
	"github.com/liamashdown/peggwatch/internal/dedup"
	"github.com/liamashdown/peggwatch/internal/metrics"
	"github.com/liamashdown/peggwatch/internal/model"
)

// Admitter decides whether a transfer is new and above threshold
type Admitter interface {
	Admit(ctx context.Context, t *model.Transfer) (dedup.Outcome, error)
	Classify(amount decimal.Decimal) model.Severity
}

// AlertStore persists alerts before they are dispatched
type AlertStore interface {
	InsertAlert(ctx context.Context, alert *model.Alert) error
}

// AlertDispatcher delivers a committed alert
type AlertDispatcher interface {
	Dispatch(ctx context.Context, alert *model.Alert) alerts.Report
}

// maxConcurrentDispatches bounds whale alerts being delivered at once
const maxConcurrentDispatches = 8

// WhalePipeline is the scanners' sink: admitted transfers become WHALE alerts
type WhalePipeline struct {
	admit    Admitter
	store    AlertStore
	dispatch AlertDispatcher
	log      *logrus.Logger

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewWhalePipeline creates the transfer sink shared by every scanner
func NewWhalePipeline(admit Admitter, store AlertStore, dispatch AlertDispatcher, log *logrus.Logger) *WhalePipeline {
	return &WhalePipeline{
		admit:    admit,
		store:    store,
		dispatch: dispatch,
		log:      log,
		slots:    make(chan struct{}, maxConcurrentDispatches),
	}
}

// Ingest admits the transfer and, when it is a new whale, stores its alert and hands it to
// the dispatcher in the background. The scan unit only waits for the store writes.
func (p *WhalePipeline) Ingest(ctx context.Context, t *model.Transfer) error {
	outcome, err := p.admit.Admit(ctx, t)
	if err != nil {
		return fmt.Errorf("admit %s: %w", t.Key(), err)
	}
	if outcome != dedup.Admitted {
		return nil
	}

	severity := p.admit.Classify(t.Amount)
	alert, err := WhaleAlert(t, severity)
	if err != nil {
		return err
	}
	if err := p.store.InsertAlert(ctx, alert); err != nil {
		return fmt.Errorf("insert whale alert %s: %w", t.Key(), err)
	}
	metrics.RecordAlert(string(alert.Category), string(alert.Severity))

	p.log.WithFields(logrus.Fields{
		"network":   t.Network,
		"token":     t.Token,
		"amount":    t.Amount.String(),
		"direction": t.Direction,
		"tx_id":     t.TxID,
		"severity":  severity,
	}).Info("Whale transfer detected")

	dctx := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.slots <- struct{}{}
		defer func() { <-p.slots }()
		p.dispatch.Dispatch(dctx, alert)
	}()
	return nil
}

// Wait blocks until every background dispatch has finished
func (p *WhalePipeline) Wait() {
	p.wg.Wait()
}

// WhaleAlert builds the alert for an admitted transfer
func WhaleAlert(t *model.Transfer, severity model.Severity) (*model.Alert, error) {
	amount := t.Amount.Round(2)
	var msg string
	switch t.Direction {
	case model.DirectionIn:
		msg = fmt.Sprintf("%s %s moved into %s on %s", amount.StringFixed(2), t.Token, t.ToAddress, t.Network)
	case model.DirectionOut:
		msg = fmt.Sprintf("%s %s moved out of %s on %s", amount.StringFixed(2), t.Token, t.FromAddress, t.Network)
	default:
		msg = fmt.Sprintf("%s %s moved from %s to %s on %s", amount.StringFixed(2), t.Token, t.FromAddress, t.ToAddress, t.Network)
	}

	amountF, _ := t.Amount.Float64()
	meta := map[string]any{
		"amount":    amountF,
		"token":     t.Token,
		"network":   t.Network,
		"direction": string(t.Direction),
		"from":      t.FromAddress,
		"to":        t.ToAddress,
		"tx_id":     t.TxID,
	}
	if t.ExplorerURL != "" {
		meta["explorer_url"] = t.ExplorerURL
	}
	if t.AccountID != nil {
		meta["account_id"] = *t.AccountID
	}

	alert, err := model.NewAlert(model.CategoryWhale, model.KindWhale, severity, t.Token, msg, meta)
	if err != nil {
		return nil, fmt.Errorf("build whale alert %s: %w", t.Key(), err)
	}
	return alert, nil
}

// DispatchNotifier hands committed peg alerts to the dispatcher
type DispatchNotifier struct {
	Dispatcher AlertDispatcher
}

func (n DispatchNotifier) Notify(ctx context.Context, alert *model.Alert) {
	n.Dispatcher.Dispatch(ctx, alert)
}
