package peg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liamashdown/peggwatch/internal/config"
	"github.com/liamashdown/peggwatch/internal/feed"
	"github.com/liamashdown/peggwatch/internal/metrics"
	"github.com/liamashdown/peggwatch/internal/model"
	"github.com/liamashdown/peggwatch/internal/storage"
)

const maxObserveAttempts = 5

// Store is the instrument and alert persistence the tracker needs
type Store interface {
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	ApplyObservation(ctx context.Context, inst *model.Instrument, expectedVersion *int64, alert *model.Alert) error
	InsertAlert(ctx context.Context, alert *model.Alert) error
}

// Notifier receives alerts after they are committed
type Notifier interface {
	Notify(ctx context.Context, alert *model.Alert)
}

// Tracker keeps each instrument's peg state in step with the price feed
type Tracker struct {
	store       Store
	source      feed.Source
	notifier    Notifier
	instruments []config.InstrumentConfig
	byID        map[string]config.InstrumentConfig
	thresholds  map[string]Thresholds
	log         *logrus.Logger
	now         func() time.Time

	locks sync.Map // instrument id -> *sync.Mutex

	outageMu sync.Mutex
	outage   bool
}

// NewTracker creates a tracker for the configured instruments
func NewTracker(cfg *config.Config, store Store, source feed.Source, notifier Notifier, log *logrus.Logger) *Tracker {
	t := &Tracker{
		store:       store,
		source:      source,
		notifier:    notifier,
		instruments: cfg.Peg.Instruments,
		byID:        make(map[string]config.InstrumentConfig, len(cfg.Peg.Instruments)),
		thresholds:  make(map[string]Thresholds, len(cfg.Peg.Instruments)),
		log:         log,
		now:         time.Now,
	}
	for _, inst := range cfg.Peg.Instruments {
		soft, hard := cfg.Thresholds(inst)
		t.byID[inst.ID] = inst
		t.thresholds[inst.ID] = Thresholds{Soft: soft, Hard: hard}
	}
	return t
}

// Cycle takes one snapshot for all instruments and observes each independently
func (t *Tracker) Cycle(ctx context.Context) error {
	ids := make([]string, 0, len(t.instruments))
	for _, inst := range t.instruments {
		ids = append(ids, inst.ID)
	}

	quotes, err := t.source.Snapshot(ctx, ids)
	if err != nil {
		t.log.WithError(err).Warn("Price feed unavailable, skipping peg cycle")
		t.raiseOutage(ctx, err)
		return err
	}
	t.clearOutage()

	at := t.now()
	for _, inst := range t.instruments {
		quote, ok := quotes[inst.ID]
		if !ok {
			metrics.RecordPegObservation(inst.Symbol, "missing", 0)
			t.log.WithField("instrument", inst.ID).Warn("Price feed returned no quote")
			continue
		}

		obs := Observation{Price: quote.Price, Change24h: quote.Change24h, At: at}
		if _, err := t.Observe(ctx, inst.ID, inst.Symbol, obs); err != nil {
			if errors.Is(err, ErrInvalidPrice) {
				t.log.WithError(err).WithField("instrument", inst.ID).Warn("Discarding observation")
				continue
			}
			t.log.WithError(err).WithField("instrument", inst.ID).Error("Failed to observe instrument")
		}
	}
	return nil
}

// Observe applies one observation and returns the transition alert, if any. The row update
// and the alert commit together and only if the row is unchanged since it was read; on a
// lost race the row is read and evaluated again.
func (t *Tracker) Observe(ctx context.Context, id, symbol string, obs Observation) (*model.Alert, error) {
	if err := validatePrice(obs.Price); err != nil {
		metrics.RecordPegObservation(symbol, "invalid", 0)
		return nil, fmt.Errorf("observe %s: %w", id, err)
	}
	if obs.At.IsZero() {
		obs.At = t.now()
	}

	mu := t.lock(id)
	mu.Lock()
	defer mu.Unlock()

	cfg, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("observe %s: instrument is not configured", id)
	}
	if cfg.Target <= 0 {
		cfg.Target = 1
	}
	th := t.thresholds[id]

	for attempt := 1; attempt <= maxObserveAttempts; attempt++ {
		prev := model.Instrument{ID: id, PegState: model.PegStable}
		var expected *int64

		current, err := t.store.GetInstrument(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			metrics.RecordPegObservation(symbol, "error", 0)
			return nil, fmt.Errorf("load instrument %s: %w", id, err)
		default:
			prev = *current
			version := current.Version
			expected = &version
		}

		next := prev
		next.Symbol = symbol
		next.Name = cfg.Name
		next.Target = cfg.Target
		next.Price = obs.Price
		next.Change24h = obs.Change24h
		next.IsActive = true
		next.UpdatedTS = obs.At.Unix()

		state, changed, err := Evaluate(next, obs, th)
		if err != nil {
			return nil, err
		}
		next.PegState = state

		var alert *model.Alert
		if changed {
			alert, err = TransitionAlert(next, prev.PegState, state)
			if err != nil {
				return nil, err
			}
		}

		err = t.store.ApplyObservation(ctx, &next, expected, alert)
		if errors.Is(err, storage.ErrStale) {
			t.log.WithFields(logrus.Fields{"instrument": id, "attempt": attempt}).Debug("Instrument changed concurrently, re-evaluating")
			continue
		}
		if err != nil {
			metrics.RecordPegObservation(symbol, "error", 0)
			return nil, fmt.Errorf("apply observation %s: %w", id, err)
		}

		metrics.RecordPegObservation(symbol, "ok", next.Deviation())
		if alert == nil {
			return nil, nil
		}

		metrics.RecordPegTransition(symbol, string(state))
		metrics.RecordAlert(string(alert.Category), string(alert.Severity))
		t.log.WithFields(logrus.Fields{
			"instrument": id,
			"from":       prev.PegState,
			"to":         state,
			"price":      obs.Price,
			"severity":   alert.Severity,
		}).Info("Peg state changed")

		if t.notifier != nil {
			t.notifier.Notify(ctx, alert)
		}
		return alert, nil
	}

	return nil, fmt.Errorf("observe %s: %w after %d attempts", id, storage.ErrStale, maxObserveAttempts)
}

func (t *Tracker) lock(id string) *sync.Mutex {
	mu, _ := t.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// raiseOutage emits one SYSTEM error alert per feed outage
func (t *Tracker) raiseOutage(ctx context.Context, cause error) {
	t.outageMu.Lock()
	if t.outage {
		t.outageMu.Unlock()
		return
	}
	t.outage = true
	t.outageMu.Unlock()

	alert, err := model.NewAlert(model.CategorySystem, model.KindError, model.SeverityMedium, "price-feed",
		"Price feed unavailable; peg tracking is paused until it recovers",
		map[string]any{"error": cause.Error()})
	if err != nil {
		t.log.WithError(err).Error("Failed to build feed outage alert")
		return
	}
	if err := t.store.InsertAlert(ctx, alert); err != nil {
		t.log.WithError(err).Error("Failed to store feed outage alert")
		return
	}
	metrics.RecordAlert(string(alert.Category), string(alert.Severity))
	if t.notifier != nil {
		t.notifier.Notify(ctx, alert)
	}
}

func (t *Tracker) clearOutage() {
	t.outageMu.Lock()
	defer t.outageMu.Unlock()
	if t.outage {
		t.log.Info("Price feed recovered")
	}
	t.outage = false
}
