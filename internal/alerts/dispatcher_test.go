package alerts

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liamashdown/peggwatch/internal/model"
)

type fakeChannel struct {
	name  string
	tier  Tier
	err   error
	delay time.Duration

	mu   sync.Mutex
	sent []Message
}

func (c *fakeChannel) Name() string { return c.name }
func (c *fakeChannel) Tier() Tier   { return c.tier }

func (c *fakeChannel) Notify(ctx context.Context, msg Message) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type memDeliveries struct {
	mu      sync.Mutex
	records map[string]map[string]model.Delivery
}

func (m *memDeliveries) RecordDeliveries(ctx context.Context, alertID string, d map[string]model.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = map[string]map[string]model.Delivery{}
	}
	m.records[alertID] = d
	return nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newAlert(t *testing.T, category model.Category, kind model.AlertKind, severity model.Severity) *model.Alert {
	t.Helper()
	a, err := model.NewAlert(category, kind, severity, "USDC", "test alert", map[string]any{"symbol": "USDC"})
	if err != nil {
		t.Fatalf("NewAlert: %v", err)
	}
	return a
}

func TestEligibleFunnel(t *testing.T) {
	tests := []struct {
		name     string
		category model.Category
		severity model.Severity
		want     map[Tier]bool
	}{
		{"critical whale", model.CategoryWhale, model.SeverityCritical, map[Tier]bool{TierBroadcast: true, TierMessaging: true, TierPublic: true}},
		{"high depeg", model.CategoryPeg, model.SeverityHigh, map[Tier]bool{TierBroadcast: true, TierMessaging: true, TierPublic: false}},
		{"low whale", model.CategoryWhale, model.SeverityLow, map[Tier]bool{TierBroadcast: false, TierMessaging: false, TierPublic: false}},
		{"recovery", model.CategoryPeg, model.SeverityInfo, map[Tier]bool{TierBroadcast: false, TierMessaging: false, TierPublic: false}},
		{"digest", model.CategorySystem, model.SeverityInfo, map[Tier]bool{TierBroadcast: true, TierMessaging: false, TierPublic: false}},
		{"system error", model.CategorySystem, model.SeverityMedium, map[Tier]bool{TierBroadcast: true, TierMessaging: false, TierPublic: false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &model.Alert{Category: tt.category, Severity: tt.severity}
			for tier, want := range tt.want {
				if got := Eligible(a, tier); got != want {
					t.Errorf("Eligible(%s) = %v, want %v", tier, got, want)
				}
			}
		})
	}
}

func TestEligibleMonotonicInSeverity(t *testing.T) {
	order := []model.Severity{model.SeverityInfo, model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical}
	tiers := []Tier{TierBroadcast, TierMessaging, TierPublic}

	for _, cat := range []model.Category{model.CategoryPeg, model.CategoryWhale, model.CategorySystem} {
		for i := 1; i < len(order); i++ {
			lower := &model.Alert{Category: cat, Severity: order[i-1]}
			higher := &model.Alert{Category: cat, Severity: order[i]}
			for _, tier := range tiers {
				if Eligible(lower, tier) && !Eligible(higher, tier) {
					t.Errorf("%s: %s reaches %s but %s does not", cat, order[i-1], tier, order[i])
				}
			}
		}
	}
}

func TestDispatchCooldownDeliversOnce(t *testing.T) {
	ch := &fakeChannel{name: "telegram", tier: TierMessaging}
	d := NewDispatcher([]Route{{Channel: ch, Cooldown: time.Minute}}, NewRenderer(1), nil, time.Second, quietLogger())
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	statuses := []Status{}
	for i := 0; i < 3; i++ {
		report := d.Dispatch(context.Background(), newAlert(t, model.CategoryWhale, model.KindWhale, model.SeverityHigh))
		res, _ := report.Result("telegram")
		statuses = append(statuses, res.Status)
		now = now.Add(10 * time.Second)
	}

	want := []Status{StatusDelivered, StatusCooldown, StatusCooldown}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("dispatch %d status = %s, want %s", i, statuses[i], want[i])
		}
	}
	if ch.count() != 1 {
		t.Errorf("channel received %d messages, want 1", ch.count())
	}

	// other categories have their own window
	report := d.Dispatch(context.Background(), newAlert(t, model.CategoryPeg, model.KindDepeg, model.SeverityHigh))
	if res, _ := report.Result("telegram"); res.Status != StatusDelivered {
		t.Errorf("peg alert status = %s, want delivered", res.Status)
	}

	now = now.Add(time.Minute)
	report = d.Dispatch(context.Background(), newAlert(t, model.CategoryWhale, model.KindWhale, model.SeverityHigh))
	if res, _ := report.Result("telegram"); res.Status != StatusDelivered {
		t.Errorf("status after window = %s, want delivered", res.Status)
	}
}

func TestDispatchConcurrentCooldownDeliversOnce(t *testing.T) {
	ch := &fakeChannel{name: "discord", tier: TierMessaging, delay: 10 * time.Millisecond}
	d := NewDispatcher([]Route{{Channel: ch, Cooldown: time.Hour}}, NewRenderer(1), nil, time.Second, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(context.Background(), newAlert(t, model.CategoryWhale, model.KindWhale, model.SeverityCritical))
		}()
	}
	wg.Wait()

	if ch.count() != 1 {
		t.Errorf("channel received %d messages, want 1", ch.count())
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	good := &fakeChannel{name: "telegram", tier: TierMessaging}
	broken := &fakeChannel{name: "discord", tier: TierMessaging, err: errors.New("webhook down")}
	slow := &fakeChannel{name: "smtp", tier: TierMessaging, delay: time.Second}
	store := &memDeliveries{}

	d := NewDispatcher([]Route{
		{Channel: good, Cooldown: time.Minute},
		{Channel: broken, Cooldown: time.Minute},
		{Channel: slow},
	}, NewRenderer(1), store, 50*time.Millisecond, quietLogger())

	alert := newAlert(t, model.CategoryPeg, model.KindDepeg, model.SeverityCritical)
	report := d.Dispatch(context.Background(), alert)

	if got := report.Count(StatusDelivered); got != 1 {
		t.Errorf("delivered = %d, want 1", got)
	}
	if got := report.Count(StatusFailed); got != 2 {
		t.Errorf("failed = %d, want 2", got)
	}

	rec := store.records[alert.ID]
	if rec["telegram"].Status != string(StatusDelivered) || rec["discord"].Error == "" {
		t.Errorf("delivery record = %+v", rec)
	}

	// a failed send does not start the window
	broken.err = nil
	report = d.Dispatch(context.Background(), newAlert(t, model.CategoryPeg, model.KindDepeg, model.SeverityCritical))
	if res, _ := report.Result("discord"); res.Status != StatusDelivered {
		t.Errorf("retry status = %s, want delivered", res.Status)
	}
}

func TestDispatchIneligibleSkipsChannel(t *testing.T) {
	public := &fakeChannel{name: "x", tier: TierPublic}
	d := NewDispatcher([]Route{{Channel: public}}, NewRenderer(1), nil, time.Second, quietLogger())

	report := d.Dispatch(context.Background(), newAlert(t, model.CategoryWhale, model.KindWhale, model.SeverityHigh))
	if res, _ := report.Result("x"); res.Status != StatusIneligible {
		t.Errorf("status = %s, want ineligible", res.Status)
	}
	if public.count() != 0 {
		t.Error("ineligible channel was called")
	}
}

func TestDispatchSurvivesCancelledParent(t *testing.T) {
	ch := &fakeChannel{name: "telegram", tier: TierMessaging, delay: 5 * time.Millisecond}
	d := NewDispatcher([]Route{{Channel: ch}}, NewRenderer(1), nil, time.Second, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := d.Dispatch(ctx, newAlert(t, model.CategoryWhale, model.KindWhale, model.SeverityHigh))
	if res, _ := report.Result("telegram"); res.Status != StatusDelivered {
		t.Errorf("status = %s, want delivered", res.Status)
	}
}

func TestCooldownsReserveCommitRelease(t *testing.T) {
	c := NewCooldowns()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	at := func(ts time.Time) func() time.Time { return func() time.Time { return ts } }

	if ok, err := c.Reserve(ctx, "k", time.Minute, at(now)); !ok || err != nil {
		t.Fatalf("first reserve = %t, %v", ok, err)
	}

	// a second reservation waits for the in-flight send
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if ok, err := c.Reserve(waitCtx, "k", time.Minute, at(now)); ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("reserve while in flight = %t, %v; want a wait until the deadline", ok, err)
	}

	c.Release("k")
	if _, ok := c.Last("k"); ok {
		t.Error("release should not start the window")
	}
	if ok, _ := c.Reserve(ctx, "k", time.Minute, at(now)); !ok {
		t.Fatal("reserve after release should succeed")
	}
	c.Commit("k", now)
	if ok, _ := c.Reserve(ctx, "k", time.Minute, at(now.Add(59*time.Second))); ok {
		t.Error("reserve inside the window should fail")
	}
	if ok, _ := c.Reserve(ctx, "k", time.Minute, at(now.Add(time.Minute))); !ok {
		t.Error("reserve at the end of the window should succeed")
	}
}

// gatedChannel holds its first send until the gate opens and then fails it
type gatedChannel struct {
	started chan struct{}
	gate    chan struct{}

	mu    sync.Mutex
	calls int
}

func (c *gatedChannel) Name() string { return "telegram" }
func (c *gatedChannel) Tier() Tier   { return TierMessaging }

func (c *gatedChannel) Notify(ctx context.Context, msg Message) error {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	if n == 1 {
		close(c.started)
		<-c.gate
		return errors.New("429 too many requests")
	}
	return nil
}

func TestDispatchWaitsForInflightSendBeforeCooldown(t *testing.T) {
	ch := &gatedChannel{started: make(chan struct{}), gate: make(chan struct{})}
	d := NewDispatcher([]Route{{Channel: ch, Cooldown: time.Hour}}, NewRenderer(1), nil, time.Second, quietLogger())

	var first, second Report
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = d.Dispatch(context.Background(), newAlert(t, model.CategoryWhale, model.KindWhale, model.SeverityHigh))
	}()
	<-ch.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		second = d.Dispatch(context.Background(), newAlert(t, model.CategoryWhale, model.KindWhale, model.SeverityHigh))
	}()
	time.Sleep(20 * time.Millisecond)
	close(ch.gate)
	wg.Wait()

	if res, _ := first.Result("telegram"); res.Status != StatusFailed {
		t.Errorf("first status = %s, want failed", res.Status)
	}
	if res, _ := second.Result("telegram"); res.Status != StatusDelivered {
		t.Errorf("second status = %s, want delivered after the failed send", res.Status)
	}
}

// ctxCheckingDeliveries rejects records written on a finished context, as a database driver would
type ctxCheckingDeliveries struct {
	memDeliveries
}

func (m *ctxCheckingDeliveries) RecordDeliveries(ctx context.Context, alertID string, d map[string]model.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.memDeliveries.RecordDeliveries(ctx, alertID, d)
}

func TestDispatchRecordsDeliveriesAfterSendTimeout(t *testing.T) {
	slow := &fakeChannel{name: "smtp", tier: TierMessaging, delay: time.Second}
	store := &ctxCheckingDeliveries{}
	d := NewDispatcher([]Route{{Channel: slow}}, NewRenderer(1), store, 30*time.Millisecond, quietLogger())

	alert := newAlert(t, model.CategoryPeg, model.KindDepeg, model.SeverityCritical)
	report := d.Dispatch(context.Background(), alert)
	if res, _ := report.Result("smtp"); res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}

	store.mu.Lock()
	rec, ok := store.records[alert.ID]
	store.mu.Unlock()
	if !ok {
		t.Fatal("delivery record was not written after the send timed out")
	}
	if rec["smtp"].Status != string(StatusFailed) || rec["smtp"].Error == "" {
		t.Errorf("record = %+v", rec["smtp"])
	}
}
