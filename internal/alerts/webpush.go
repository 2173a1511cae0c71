package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/sirupsen/logrus"

	"github.com/liamashdown/peggwatch/internal/model"
)

// SubscriptionStore lists and prunes browser push endpoints
type SubscriptionStore interface {
	ListPushSubscriptions(ctx context.Context) ([]model.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

// WebPushChannel sends alerts to every registered browser subscription
type WebPushChannel struct {
	store      SubscriptionStore
	publicKey  string
	privateKey string
	subscriber string
	ttl        int
	log        *logrus.Logger
}

// NewWebPushChannel creates a new web push channel
func NewWebPushChannel(store SubscriptionStore, publicKey, privateKey, subscriber string, ttl int, log *logrus.Logger) *WebPushChannel {
	if ttl <= 0 {
		ttl = 3600
	}
	// the library adds the mailto: scheme itself
	subscriber = strings.TrimPrefix(subscriber, "mailto:")
	return &WebPushChannel{
		store:      store,
		publicKey:  publicKey,
		privateKey: privateKey,
		subscriber: subscriber,
		ttl:        ttl,
		log:        log,
	}
}

func (c *WebPushChannel) Name() string { return "webpush" }

func (c *WebPushChannel) Tier() Tier { return TierMessaging }

// Notify pushes to every subscription. Endpoints the push service reports as gone are removed.
// The send fails when no subscription was reached, with ErrNoRecipients when there was none
// left to try.
func (c *WebPushChannel) Notify(ctx context.Context, msg Message) error {
	subs, err := c.store.ListPushSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return ErrNoRecipients
	}

	payload, err := json.Marshal(map[string]string{
		"title":    msg.Title,
		"body":     truncate(msg.Body, 512),
		"url":      msg.URL,
		"alert_id": msg.AlertID,
		"severity": string(msg.Severity),
	})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	var errs []error
	delivered := 0
	for _, sub := range subs {
		s := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256dh,
				Auth:   sub.Auth,
			},
		}

		resp, err := webpush.SendNotificationWithContext(ctx, payload, s, &webpush.Options{
			Subscriber:      c.subscriber,
			VAPIDPublicKey:  c.publicKey,
			VAPIDPrivateKey: c.privateKey,
			TTL:             c.ttl,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("push %s: %w", sub.Endpoint, err))
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			if err := c.store.DeletePushSubscription(ctx, sub.Endpoint); err != nil {
				c.log.WithError(err).WithField("endpoint", sub.Endpoint).Warn("Failed to remove expired push subscription")
			}
		case resp.StatusCode >= 300:
			errs = append(errs, fmt.Errorf("push %s: unexpected status %d", sub.Endpoint, resp.StatusCode))
		default:
			delivered++
		}
	}

	if delivered == 0 {
		if len(errs) == 0 {
			return fmt.Errorf("all %d subscriptions expired: %w", len(subs), ErrNoRecipients)
		}
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		c.log.WithError(errors.Join(errs...)).Warn("Some push subscriptions failed")
	}
	return nil
}

// GenerateVAPIDKeys creates a new VAPID key pair for configuration
func GenerateVAPIDKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}
