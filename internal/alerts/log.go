package alerts

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogChannel writes alerts to the logger
type LogChannel struct {
	log *logrus.Logger
}

// NewLogChannel creates a new log channel
func NewLogChannel(log *logrus.Logger) *LogChannel {
	return &LogChannel{log: log}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Tier() Tier { return TierMessaging }

// Notify logs the alert
func (c *LogChannel) Notify(ctx context.Context, msg Message) error {
	fields := logrus.Fields{
		"alert_id": msg.AlertID,
		"category": msg.Category,
		"kind":     msg.Kind,
		"severity": msg.Severity,
		"subject":  msg.Subject,
	}
	for _, f := range msg.Fields {
		fields[f.Name] = f.Value
	}
	c.log.WithFields(fields).Info(msg.Title)
	return nil
}
