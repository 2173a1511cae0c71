package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/liamashdown/peggwatch/internal/model"
)

// Tier groups channels by how widely they publish
type Tier string

const (
	// TierBroadcast reaches live subscribers of this process
	TierBroadcast Tier = "broadcast"
	// TierMessaging reaches operators through chat, mail and push
	TierMessaging Tier = "messaging"
	// TierPublic posts to a public audience
	TierPublic Tier = "public"
)

// Field is one labelled value shown with a message
type Field struct {
	Name  string
	Value string
}

// Message is an alert rendered for people
type Message struct {
	AlertID   string
	Category  model.Category
	Kind      model.AlertKind
	Severity  model.Severity
	Subject   string
	Title     string
	Body      string
	Quote     string
	URL       string
	Fields    []Field
	Timestamp time.Time
	Alert     *model.Alert
}

// Channel delivers rendered messages to one destination
type Channel interface {
	Name() string
	Tier() Tier
	Notify(ctx context.Context, msg Message) error
}

// ErrNoRecipients is returned by a channel that had nobody to reach. The alert counts as
// not delivered, so it does not start a cooldown window.
var ErrNoRecipients = errors.New("no recipients")

// Status is the outcome of one channel for one alert
type Status string

const (
	StatusDelivered  Status = "delivered"
	StatusCooldown   Status = "cooldown"
	StatusIneligible Status = "ineligible"
	StatusFailed     Status = "failed"
)

// Result is one channel's part of a dispatch
type Result struct {
	Channel string
	Status  Status
	Err     error
}

// Report collects the per-channel results of one dispatch
type Report struct {
	AlertID string
	Results []Result
}

// Count returns how many channels ended with status s
func (r Report) Count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

// Result returns the named channel's result
func (r Report) Result(channel string) (Result, bool) {
	for _, res := range r.Results {
		if res.Channel == channel {
			return res, true
		}
	}
	return Result{}, false
}
