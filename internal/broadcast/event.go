package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/liamashdown/peggwatch/internal/alerts"
	"github.com/liamashdown/peggwatch/internal/metrics"
	"github.com/liamashdown/peggwatch/internal/model"
)

// EventType names a live event
type EventType string

const (
	EventDepegAlert    EventType = "depeg_alert"
	EventRecoveryAlert EventType = "recovery_alert"
	EventWhaleAlert    EventType = "whale_alert"
	EventSystemAlert   EventType = "system_alert"
	EventDigest        EventType = "digest"
)

// Event is the envelope pushed to live subscribers
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// AlertData is the payload of alert events
type AlertData struct {
	*model.Alert
	Title string `json:"title"`
	Quote string `json:"quote,omitempty"`
	URL   string `json:"url,omitempty"`
}

// TypeFor maps an alert onto its event type
func TypeFor(a *model.Alert) EventType {
	switch a.Kind {
	case model.KindDepeg:
		return EventDepegAlert
	case model.KindRecovery:
		return EventRecoveryAlert
	case model.KindWhale:
		return EventWhaleAlert
	case model.KindDigest:
		return EventDigest
	}
	return EventSystemAlert
}

// Publisher pushes events to live subscribers
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to several publishers, failing if any of them fails
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AlertChannel is the broadcast tier of the dispatcher
type AlertChannel struct {
	pub Publisher
	now func() time.Time
}

// NewAlertChannel wraps a publisher as a notification channel
func NewAlertChannel(pub Publisher) *AlertChannel {
	return &AlertChannel{pub: pub, now: time.Now}
}

func (c *AlertChannel) Name() string { return "broadcast" }

func (c *AlertChannel) Tier() alerts.Tier { return alerts.TierBroadcast }

// Notify publishes the rendered alert as a live event
func (c *AlertChannel) Notify(ctx context.Context, msg alerts.Message) error {
	if msg.Alert == nil {
		return fmt.Errorf("broadcast: message %s has no alert", msg.AlertID)
	}
	ev := Event{
		Type:      TypeFor(msg.Alert),
		Data:      AlertData{Alert: msg.Alert, Title: msg.Title, Quote: msg.Quote, URL: msg.URL},
		Timestamp: c.now().Unix(),
	}
	if err := c.pub.Publish(ctx, ev); err != nil {
		return fmt.Errorf("broadcast %s: %w", ev.Type, err)
	}
	metrics.RecordBroadcast(string(ev.Type))
	return nil
}
