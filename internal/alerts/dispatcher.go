package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/liamashdown/peggwatch/internal/metrics"
	"github.com/liamashdown/peggwatch/internal/model"
)

// DeliveryStore persists the per-channel outcome of a dispatch
type DeliveryStore interface {
	RecordDeliveries(ctx context.Context, alertID string, deliveries map[string]model.Delivery) error
}

// Route binds a channel to its cooldown. A zero cooldown disables rate limiting for the channel.
type Route struct {
	Channel  Channel
	Cooldown time.Duration
}

// Dispatcher fans a committed alert out to every eligible channel
type Dispatcher struct {
	routes    []Route
	cooldowns *Cooldowns
	renderer  Renderer
	store     DeliveryStore
	timeout   time.Duration
	log       *logrus.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. store may be nil when delivery records are not kept.
func NewDispatcher(routes []Route, renderer Renderer, store DeliveryStore, timeout time.Duration, log *logrus.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if renderer == nil {
		renderer = NewRenderer(0)
	}
	return &Dispatcher{
		routes:    routes,
		cooldowns: NewCooldowns(),
		renderer:  renderer,
		store:     store,
		timeout:   timeout,
		log:       log,
		now:       time.Now,
	}
}

// Channels returns the configured channel names
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.routes))
	for _, r := range d.routes {
		names = append(names, r.Channel.Name())
	}
	return names
}

func cooldownKey(channel string, category model.Category) string {
	return channel + ":" + string(category)
}

// Dispatch delivers the alert to each channel independently. One channel failing or timing out
// never affects the others, and the alert itself is never modified except for its delivery record.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *model.Alert) Report {
	report := Report{AlertID: alert.ID, Results: make([]Result, len(d.routes))}
	if len(d.routes) == 0 {
		return report
	}

	// delivery outlives a shutdown signal that arrives mid-dispatch
	parent := context.WithoutCancel(ctx)
	sendCtx, cancelSend := context.WithTimeout(parent, d.timeout)
	defer cancelSend()

	msg := d.renderer.Render(alert)

	var g errgroup.Group
	for i, route := range d.routes {
		g.Go(func() error {
			report.Results[i] = d.deliver(sendCtx, route, alert, msg)
			return nil
		})
	}
	_ = g.Wait()

	deliveries := make(map[string]model.Delivery, len(report.Results))
	at := d.now().Unix()
	for _, res := range report.Results {
		metrics.RecordDelivery(res.Channel, string(res.Status))
		rec := model.Delivery{Status: string(res.Status), AtTS: at}
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
		deliveries[res.Channel] = rec
	}

	// a channel that used the whole send timeout must not cost the record
	if d.store != nil {
		recCtx, cancelRec := context.WithTimeout(parent, d.timeout)
		err := d.store.RecordDeliveries(recCtx, alert.ID, deliveries)
		cancelRec()
		if err != nil {
			d.log.WithError(err).WithField("alert_id", alert.ID).Warn("Failed to record deliveries")
		}
	}

	d.log.WithFields(logrus.Fields{
		"alert_id":   alert.ID,
		"category":   alert.Category,
		"severity":   alert.Severity,
		"delivered":  report.Count(StatusDelivered),
		"cooldown":   report.Count(StatusCooldown),
		"ineligible": report.Count(StatusIneligible),
		"failed":     report.Count(StatusFailed),
	}).Debug("Alert dispatched")

	return report
}

func (d *Dispatcher) deliver(ctx context.Context, route Route, alert *model.Alert, msg Message) Result {
	ch := route.Channel
	res := Result{Channel: ch.Name()}

	if !Eligible(alert, ch.Tier()) {
		res.Status = StatusIneligible
		return res
	}

	key := cooldownKey(ch.Name(), alert.Category)
	limited := route.Cooldown > 0
	if limited {
		ok, err := d.cooldowns.Reserve(ctx, key, route.Cooldown, d.now)
		if err != nil {
			res.Status = StatusFailed
			res.Err = err
			return res
		}
		if !ok {
			res.Status = StatusCooldown
			return res
		}
	}

	if err := ch.Notify(ctx, msg); err != nil {
		if limited {
			d.cooldowns.Release(key)
		}
		entry := d.log.WithError(err).WithFields(logrus.Fields{
			"channel":  ch.Name(),
			"alert_id": alert.ID,
		})
		if errors.Is(err, ErrNoRecipients) {
			entry.Debug("Alert channel has no recipients")
		} else {
			entry.Warn("Failed to deliver alert")
		}
		res.Status = StatusFailed
		res.Err = err
		return res
	}

	if limited {
		d.cooldowns.Commit(key, d.now())
	}
	res.Status = StatusDelivered
	return res
}
