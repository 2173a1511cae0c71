package peg

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liamashdown/peggwatch/internal/config"
	"github.com/liamashdown/peggwatch/internal/feed"
	"github.com/liamashdown/peggwatch/internal/model"
	"github.com/liamashdown/peggwatch/internal/storage"
)

type fakeStore struct {
	mu          sync.Mutex
	rows        map[string]model.Instrument
	alerts      []*model.Alert
	beforeApply func(s *fakeStore)
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]model.Instrument{}}
}

func (s *fakeStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &row, nil
}

func (s *fakeStore) ApplyObservation(ctx context.Context, inst *model.Instrument, expected *int64, alert *model.Alert) error {
	if hook := s.beforeApply; hook != nil {
		s.beforeApply = nil
		hook(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	row, exists := s.rows[inst.ID]
	if expected == nil {
		if exists {
			return storage.ErrStale
		}
		inst.Version = 1
	} else {
		if !exists || row.Version != *expected {
			return storage.ErrStale
		}
		inst.Version = *expected + 1
	}
	s.rows[inst.ID] = *inst
	if alert != nil {
		s.alerts = append(s.alerts, alert)
	}
	return nil
}

func (s *fakeStore) InsertAlert(ctx context.Context, alert *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

type fakeSource struct {
	quotes map[string]feed.Quote
	err    error
}

func (f *fakeSource) Snapshot(ctx context.Context, ids []string) (map[string]feed.Quote, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.quotes, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*model.Alert
}

func (n *recordingNotifier) Notify(ctx context.Context, alert *model.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func testConfig() *config.Config {
	return &config.Config{
		Peg: config.PegConfig{
			SoftThreshold: 0.01,
			HardThreshold: 0.05,
			Instruments: []config.InstrumentConfig{
				{ID: "usd-coin", Symbol: "USDC", Name: "USD Coin", Target: 1},
				{ID: "dai", Symbol: "DAI", Name: "Dai", Target: 1, SoftThreshold: 0.02},
			},
		},
	}
}

func newTestTracker(store *fakeStore, source feed.Source) (*Tracker, *recordingNotifier) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	n := &recordingNotifier{}
	return NewTracker(testConfig(), store, source, n, log), n
}

func observe(t *testing.T, tr *Tracker, price float64) *model.Alert {
	t.Helper()
	alert, err := tr.Observe(context.Background(), "usd-coin", "USDC", Observation{Price: price, At: time.Unix(1_700_000_000, 0)})
	if err != nil {
		t.Fatalf("Observe(%v): %v", price, err)
	}
	return alert
}

func TestObserveDepegAndRecovery(t *testing.T) {
	store := newFakeStore()
	tr, notifier := newTestTracker(store, nil)

	if alert := observe(t, tr, 1.0); alert != nil {
		t.Fatalf("first observation on peg emitted %+v", alert)
	}

	alert := observe(t, tr, 0.988)
	if alert == nil || alert.Severity != model.SeverityHigh || alert.Kind != model.KindDepeg {
		t.Fatalf("depeg alert = %+v, want one HIGH DEPEG", alert)
	}
	if store.rows["usd-coin"].PegState != model.PegAlert {
		t.Errorf("state = %s, want ALERT", store.rows["usd-coin"].PegState)
	}

	alert = observe(t, tr, 0.999)
	if alert == nil || alert.Severity != model.SeverityInfo || alert.Kind != model.KindRecovery {
		t.Fatalf("recovery alert = %+v, want one INFO RECOVERY", alert)
	}

	if len(store.alerts) != 2 || len(notifier.alerts) != 2 {
		t.Errorf("stored %d and notified %d alerts, want 2 and 2", len(store.alerts), len(notifier.alerts))
	}
}

func TestObserveSameBandRefreshesPrice(t *testing.T) {
	store := newFakeStore()
	tr, notifier := newTestTracker(store, nil)

	observe(t, tr, 0.988)
	for _, price := range []float64{0.985, 0.981, 1.015} {
		if alert := observe(t, tr, price); alert != nil {
			t.Errorf("price %v inside ALERT band emitted %s", price, alert.Severity)
		}
	}

	row := store.rows["usd-coin"]
	if row.Price != 1.015 || row.PegState != model.PegAlert {
		t.Errorf("row = %+v, want refreshed price in ALERT", row)
	}
	if len(notifier.alerts) != 1 {
		t.Errorf("notified %d alerts, want 1", len(notifier.alerts))
	}
}

func TestObserveInvalidPriceChangesNothing(t *testing.T) {
	store := newFakeStore()
	tr, _ := newTestTracker(store, nil)
	observe(t, tr, 0.988)
	before := store.rows["usd-coin"]

	_, err := tr.Observe(context.Background(), "usd-coin", "USDC", Observation{Price: 0})
	if !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("err = %v, want ErrInvalidPrice", err)
	}
	if store.rows["usd-coin"] != before {
		t.Error("invalid observation modified the instrument")
	}
}

func TestObserveReevaluatesAfterLostRace(t *testing.T) {
	store := newFakeStore()
	tr, notifier := newTestTracker(store, nil)
	observe(t, tr, 1.0)

	// another writer moves the row into ALERT between our read and our write
	store.beforeApply = func(s *fakeStore) {
		s.mu.Lock()
		defer s.mu.Unlock()
		row := s.rows["usd-coin"]
		row.PegState = model.PegAlert
		row.Price = 0.98
		row.Version++
		s.rows["usd-coin"] = row
	}

	if alert := observe(t, tr, 0.988); alert != nil {
		t.Errorf("re-evaluation against ALERT should be a no-op, got %s", alert.Severity)
	}
	if len(notifier.alerts) != 0 {
		t.Errorf("notified %d alerts, want 0", len(notifier.alerts))
	}
	if store.rows["usd-coin"].Price != 0.988 {
		t.Errorf("price = %v, want 0.988", store.rows["usd-coin"].Price)
	}
}

func TestObservePerInstrumentThresholds(t *testing.T) {
	store := newFakeStore()
	tr, _ := newTestTracker(store, nil)

	// 1.5% is inside DAI's wider soft band
	alert, err := tr.Observe(context.Background(), "dai", "DAI", Observation{Price: 0.985})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if alert != nil {
		t.Errorf("DAI at 0.985 emitted %s", alert.Severity)
	}

	if _, err := tr.Observe(context.Background(), "unknown", "UNK", Observation{Price: 1}); err == nil {
		t.Error("unconfigured instrument should be rejected")
	}
}

func TestCycleFeedOutageAlertsOnce(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{err: feed.ErrFetch}
	tr, notifier := newTestTracker(store, source)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := tr.Cycle(ctx); !errors.Is(err, feed.ErrFetch) {
			t.Fatalf("cycle %d err = %v", i, err)
		}
	}
	if len(notifier.alerts) != 1 {
		t.Fatalf("outage alerts = %d, want 1", len(notifier.alerts))
	}
	outage := notifier.alerts[0]
	if outage.Category != model.CategorySystem || outage.Kind != model.KindError || outage.Severity != model.SeverityMedium {
		t.Errorf("outage alert = %s/%s/%s", outage.Category, outage.Kind, outage.Severity)
	}

	source.err = nil
	source.quotes = map[string]feed.Quote{"usd-coin": {Price: 1.0}}
	if err := tr.Cycle(ctx); err != nil {
		t.Fatalf("recovered cycle: %v", err)
	}
	if _, ok := store.rows["dai"]; ok {
		t.Error("instrument without a quote should not be written")
	}

	source.err = feed.ErrFetch
	tr.Cycle(ctx)
	if len(notifier.alerts) != 2 {
		t.Errorf("a new outage should alert again, got %d alerts", len(notifier.alerts))
	}
}
