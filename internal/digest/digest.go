package digest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/liamashdown/peggwatch/internal/alerts"
	"github.com/liamashdown/peggwatch/internal/config"
	"github.com/liamashdown/peggwatch/internal/metrics"
	"github.com/liamashdown/peggwatch/internal/model"
	"github.com/liamashdown/peggwatch/internal/storage"
)

// Window is how far back a digest looks
const Window = 24 * time.Hour

// Stability levels, best first
const (
	LevelExcellent = "EXCELLENT"
	LevelGood      = "GOOD"
	LevelFair      = "FAIR"
	LevelPoor      = "POOR"
	LevelCritical  = "CRITICAL"
)

// Store is the persistence the aggregator reads and writes
type Store interface {
	ListInstruments(ctx context.Context) ([]model.Instrument, error)
	AlertsSince(ctx context.Context, sinceTS int64) ([]model.Alert, error)
	TransfersSince(ctx context.Context, sinceTS int64) ([]model.Transfer, error)
	InsertDigestIfAbsent(ctx context.Context, entry *model.DigestEntry) (bool, error)
	GetDigest(ctx context.Context, day string) (*model.DigestEntry, error)
	InsertAlert(ctx context.Context, alert *model.Alert) error
	SetDigestAlert(ctx context.Context, day, alertID string) error
}

// Dispatcher delivers the digest alert
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *model.Alert) alerts.Report
}

// Quoter picks a closing line from a named pool
type Quoter interface {
	Quote(pool string) string
}

// Aggregator rolls up the trailing day into one digest per calendar day
type Aggregator struct {
	store    Store
	dispatch Dispatcher
	quotes   Quoter
	whaleMin decimal.Decimal
	loc      *time.Location
	log      *logrus.Logger
}

// NewAggregator creates an aggregator. Days are cut in loc, UTC when nil.
func NewAggregator(store Store, dispatch Dispatcher, quotes Quoter, whale config.WhaleConfig, loc *time.Location, log *logrus.Logger) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{
		store:    store,
		dispatch: dispatch,
		quotes:   quotes,
		whaleMin: decimal.NewFromFloat(whale.MinAmount),
		loc:      loc,
		log:      log,
	}
}

// Day returns the digest key for now
func (a *Aggregator) Day(now time.Time) string {
	return now.In(a.loc).Format("2006-01-02")
}

// Run builds the digest for the day containing now. It returns false with the stored entry
// when that day already has a digest, in which case nothing is emitted.
func (a *Aggregator) Run(ctx context.Context, now time.Time) (*model.DigestEntry, bool, error) {
	day := a.Day(now)
	since := now.Add(-Window).Unix()

	if existing, err := a.store.GetDigest(ctx, day); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("load digest %s: %w", day, err)
	}

	instruments, err := a.store.ListInstruments(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("list instruments: %w", err)
	}
	recent, err := a.store.AlertsSince(ctx, since)
	if err != nil {
		return nil, false, fmt.Errorf("list alerts: %w", err)
	}
	transfers, err := a.store.TransfersSince(ctx, since)
	if err != nil {
		return nil, false, fmt.Errorf("list transfers: %w", err)
	}

	s := Summarize(instruments, recent, transfers, a.whaleMin)
	entry := &model.DigestEntry{
		Day:             day,
		Summary:         s.Text(),
		BestPerformer:   s.Best,
		WorstPerformer:  s.Worst,
		AvgDeviation:    s.AvgDeviation,
		StabilityRatio:  s.StabilityRatio,
		StabilityLevel:  s.Level,
		InstrumentCount: s.Instruments,
		WhaleCount:      s.Whales,
		AlertCount:      s.Alerts,
		CriticalCount:   s.Critical,
		Quote:           a.quotes.Quote(alerts.PoolDigest + s.QuotePool()),
		CreatedTS:       now.Unix(),
	}

	created, err := a.store.InsertDigestIfAbsent(ctx, entry)
	if err != nil {
		return nil, false, fmt.Errorf("insert digest %s: %w", day, err)
	}
	if !created {
		// another run won the day between our check and insert
		existing, err := a.store.GetDigest(ctx, day)
		if err != nil {
			return nil, false, fmt.Errorf("load digest %s: %w", day, err)
		}
		return existing, false, nil
	}

	alert, err := model.NewAlert(model.CategorySystem, model.KindDigest, model.SeverityInfo, "digest", entry.Summary, map[string]any{
		"day":             day,
		"stability_level": s.Level,
		"stability_ratio": s.StabilityRatio,
		"avg_deviation":   s.AvgDeviation,
		"best_performer":  s.Best,
		"worst_performer": s.Worst,
		"whale_count":     s.Whales,
		"alert_count":     s.Alerts,
		"critical_count":  s.Critical,
		"sentiment":       s.Sentiment,
		"quote":           entry.Quote,
	})
	if err != nil {
		return entry, true, err
	}
	alert.CreatedTS = now.Unix()
	if err := a.store.InsertAlert(ctx, alert); err != nil {
		return entry, true, fmt.Errorf("insert digest alert: %w", err)
	}
	if err := a.store.SetDigestAlert(ctx, day, alert.ID); err != nil {
		a.log.WithError(err).WithField("day", day).Warn("Failed to link digest alert")
	}
	entry.AlertID = alert.ID

	metrics.RecordAlert(string(alert.Category), string(alert.Severity))
	metrics.DigestsPublished.Inc()
	a.dispatch.Dispatch(ctx, alert)

	a.log.WithFields(logrus.Fields{
		"day":             day,
		"stability_level": s.Level,
		"instruments":     s.Instruments,
		"alerts":          s.Alerts,
		"whales":          s.Whales,
	}).Info("Daily digest published")

	return entry, true, nil
}

// Summary is the computed content of a digest
type Summary struct {
	Instruments    int
	Stable         int
	StabilityRatio float64
	Level          string
	AvgDeviation   float64
	Best           string
	Worst          string
	Alerts         int
	Critical       int
	Depegs         int
	Whales         int
	Sentiment      string
}

// Summarize computes the digest figures. Digest alerts themselves are not counted.
func Summarize(instruments []model.Instrument, recent []model.Alert, transfers []model.Transfer, whaleMin decimal.Decimal) Summary {
	s := Summary{Instruments: len(instruments), Best: "N/A", Worst: "N/A"}

	if len(instruments) > 0 {
		var totalDev float64
		for _, inst := range instruments {
			totalDev += inst.Deviation()
			if inst.PegState == model.PegStable || inst.PegState == "" {
				s.Stable++
			}
		}
		s.AvgDeviation = totalDev / float64(len(instruments))
		s.StabilityRatio = float64(s.Stable) / float64(len(instruments))

		sorted := append([]model.Instrument(nil), instruments...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Change24h > sorted[j].Change24h
		})
		s.Best = sorted[0].Symbol
		s.Worst = sorted[len(sorted)-1].Symbol
	}
	s.Level = StabilityLevel(s.StabilityRatio)

	for _, al := range recent {
		if al.Kind == model.KindDigest {
			continue
		}
		s.Alerts++
		if al.Severity == model.SeverityCritical {
			s.Critical++
		}
		if al.Kind == model.KindDepeg {
			s.Depegs++
		}
	}

	for _, t := range transfers {
		if t.Amount.GreaterThanOrEqual(whaleMin) {
			s.Whales++
		}
	}

	s.Sentiment = sentiment(s)
	return s
}

// StabilityLevel grades the share of instruments on peg
func StabilityLevel(ratio float64) string {
	switch {
	case ratio >= 0.95:
		return LevelExcellent
	case ratio >= 0.85:
		return LevelGood
	case ratio >= 0.70:
		return LevelFair
	case ratio >= 0.50:
		return LevelPoor
	default:
		return LevelCritical
	}
}

func sentiment(s Summary) string {
	switch {
	case s.Critical > 0:
		return "CRITICAL"
	case s.Depegs > 3:
		return "BEARISH"
	case s.StabilityRatio > 0.90:
		return "BULLISH"
	case s.StabilityRatio > 0.80:
		return "NEUTRAL"
	default:
		return "CAUTIOUS"
	}
}

// QuotePool selects the quote pool; a day with critical alerts uses the critical pool
func (s Summary) QuotePool() string {
	if s.Sentiment == "CRITICAL" {
		return LevelCritical
	}
	return s.Level
}

func activityLevel(count int, steps [4]int) string {
	switch {
	case count >= steps[0]:
		return "VERY HIGH"
	case count >= steps[1]:
		return "HIGH"
	case count >= steps[2]:
		return "MODERATE"
	case count >= steps[3]:
		return "LOW"
	default:
		return "MINIMAL"
	}
}

// Text renders the one-paragraph summary
func (s Summary) Text() string {
	return fmt.Sprintf(
		"📊 Daily Stablecoin Digest: %d instruments tracked with %s stability (%d/%d stable, avg deviation %.4f). "+
			"Best 24h: %s, worst 24h: %s. %d alerts (%s activity, %d critical). "+
			"Whale movements: %s with %d transfers. Market sentiment: %s.",
		s.Instruments, s.Level, s.Stable, s.Instruments, s.AvgDeviation,
		s.Best, s.Worst, s.Alerts, activityLevel(s.Alerts, [4]int{40, 20, 10, 5}), s.Critical,
		activityLevel(s.Whales, [4]int{50, 20, 10, 5}), s.Whales, s.Sentiment,
	)
}
