package app

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liamashdown/peggwatch/internal/alerts"
	"github.com/liamashdown/peggwatch/internal/broadcast"
	"github.com/liamashdown/peggwatch/internal/dedup"
	"github.com/liamashdown/peggwatch/internal/digest"
	"github.com/liamashdown/peggwatch/internal/feed"
	"github.com/liamashdown/peggwatch/internal/ledger"
	"github.com/liamashdown/peggwatch/internal/model"
	"github.com/liamashdown/peggwatch/internal/monitor"
	"github.com/liamashdown/peggwatch/internal/peg"
	"github.com/liamashdown/peggwatch/internal/storage"
	"github.com/liamashdown/peggwatch/internal/task"
)

const pruneInterval = time.Hour

// runtime is the wired object graph shared by the run, scan and digest commands
type runtime struct {
	db         *storage.DB
	hub        *broadcast.Hub
	dispatcher *alerts.Dispatcher
	service    *monitor.Service
	pipeline   *monitor.WhalePipeline
	tasks      []*task.Task
	closers    []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) build(ctx context.Context) (*runtime, error) {
	db, err := a.openStore()
	if err != nil {
		return nil, err
	}
	rt := &runtime{db: db}
	rt.closers = append(rt.closers, func() { db.Close() })

	if err := a.seedAccounts(ctx, db); err != nil {
		rt.close()
		return nil, err
	}

	rt.hub = broadcast.NewHub(a.Logger)
	rt.closers = append(rt.closers, rt.hub.Close)
	publishers := broadcast.Multi{rt.hub}
	if a.Config.Redis.Enabled {
		rp, err := broadcast.NewRedisPublisher(ctx, a.Config.Redis)
		if err != nil {
			a.Logger.WithError(err).Warn("Redis fan-out disabled")
		} else {
			publishers = append(publishers, rp)
			rt.closers = append(rt.closers, func() { rp.Close() })
		}
	}

	renderer := alerts.NewRenderer(a.Config.Alerts.QuoteSeed)
	rt.dispatcher = alerts.NewDispatcher(a.routes(db, publishers), renderer, db, a.Config.Alerts.RequestTimeout, a.Logger)
	a.Logger.WithField("channels", rt.dispatcher.Channels()).Info("Alert dispatcher initialized")

	loc, err := a.Config.Digest.Location()
	if err != nil {
		rt.close()
		return nil, err
	}
	aggregator := digest.NewAggregator(db, rt.dispatcher, renderer, a.Config.Whale, loc, a.Logger)
	rt.service = monitor.NewService(db, aggregator.Run, a.Logger)

	tracker := peg.NewTracker(a.Config, db, feed.NewClient(a.Config.Peg), monitor.DispatchNotifier{Dispatcher: rt.dispatcher}, a.Logger)
	pegTask := task.New("peg", task.Every(a.Config.Peg.Interval), tracker.Cycle, task.Options{RunOnStart: true}, a.Logger)
	rt.service.SetPegLoop(pegTask)
	rt.tasks = append(rt.tasks, pegTask)

	deduper := dedup.New(db, a.Config.Whale)
	rt.pipeline = monitor.NewWhalePipeline(deduper, db, rt.dispatcher, a.Logger)
	// closers run in reverse, so pending whale deliveries finish before the hub and store close
	rt.closers = append(rt.closers, rt.pipeline.Wait)
	a.addScanners(ctx, rt, rt.pipeline)

	if a.Config.Whale.ClaimTTL > 0 {
		ttl := a.Config.Whale.ClaimTTL
		rt.tasks = append(rt.tasks, task.New("dedup:prune", task.Every(pruneInterval), func(ctx context.Context) error {
			if n := deduper.Prune(ttl); n > 0 {
				a.Logger.WithField("pruned", n).Debug("Dropped expired transfer claims")
			}
			return nil
		}, task.Options{}, a.Logger))
	}

	if a.Config.Digest.Enabled {
		hour, minute, err := a.Config.Digest.Clock()
		if err != nil {
			rt.close()
			return nil, err
		}
		digestTask := task.New("digest", task.DailyAt(hour, minute, loc), func(ctx context.Context) error {
			_, _, err := aggregator.Run(ctx, time.Now())
			return err
		}, task.Options{}, a.Logger)
		rt.service.SetDigestLoop(digestTask)
		rt.tasks = append(rt.tasks, digestTask)
	}

	return rt, nil
}

func (a *App) addScanners(ctx context.Context, rt *runtime, pipeline *monitor.WhalePipeline) {
	for _, n := range a.Config.Networks {
		entry := a.Logger.WithFields(logrus.Fields{"network": n.Name, "kind": n.Kind})
		if n.Disabled {
			entry.Info("Network disabled, not scanning")
			continue
		}
		if err := a.Config.NetworkIssue(n); err != nil {
			entry.WithError(err).Warn("Network not scanned")
			continue
		}

		explorer, err := ledger.NewExplorer(ctx, n, rt.db)
		if err != nil {
			entry.WithError(err).Warn("Network not scanned")
			continue
		}
		if c, ok := explorer.(interface{ Close() }); ok {
			rt.closers = append(rt.closers, c.Close)
		}

		scanner := ledger.NewScanner(n, a.Config.Whale.Allowlist, explorer, rt.db, pipeline, a.Logger)
		t := task.New("scan:"+n.Name, task.Every(n.Interval), func(ctx context.Context) error {
			_, err := scanner.Cycle(ctx)
			return err
		}, task.Options{RunOnStart: true}, a.Logger)
		rt.service.AddScanLoop(n.Name, t)
		rt.tasks = append(rt.tasks, t)
		entry.WithField("interval", n.Interval.String()).Info("Ledger scanner registered")
	}
}

// routes builds one route per enabled channel. A channel missing its credentials is skipped
// with a single warning; the broadcast tier is always present.
func (a *App) routes(db *storage.DB, pub broadcast.Publisher) []alerts.Route {
	cfg := a.Config.Alerts
	env := a.Config.App.Environment
	routes := []alerts.Route{{Channel: broadcast.NewAlertChannel(pub)}}

	add := func(name string, enabled bool, cooldown time.Duration, build func() alerts.Channel) {
		if !enabled {
			return
		}
		if err := a.Config.ChannelIssue(name); err != nil {
			a.Logger.WithError(err).WithField("channel", name).Warn("Alert channel disabled")
			return
		}
		routes = append(routes, alerts.Route{Channel: build(), Cooldown: cooldown})
	}

	add("log", cfg.Log.Enabled, cfg.Log.Cooldown, func() alerts.Channel {
		return alerts.NewLogChannel(a.Logger)
	})
	add("telegram", cfg.Telegram.Enabled, cfg.Telegram.Cooldown, func() alerts.Channel {
		return alerts.NewTelegramChannel(cfg.Telegram.APIBase, cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	})
	add("discord", cfg.Discord.Enabled, cfg.Discord.Cooldown, func() alerts.Channel {
		return alerts.NewDiscordChannel(cfg.Discord.WebhookURLs, env)
	})
	add("smtp", cfg.SMTP.Enabled, cfg.SMTP.Cooldown, func() alerts.Channel {
		s := cfg.SMTP
		return alerts.NewSMTPChannel(s.Host, s.Port, s.User, s.Password, s.From, s.To, env)
	})
	add("x", cfg.X.Enabled, cfg.X.Cooldown, func() alerts.Channel {
		return alerts.NewXChannel(cfg.X.APIBase, cfg.X.BearerToken)
	})
	add("webpush", cfg.WebPush.Enabled, cfg.WebPush.Cooldown, func() alerts.Channel {
		w := cfg.WebPush
		return alerts.NewWebPushChannel(db, w.VAPIDPublicKey, w.VAPIDPrivateKey, w.Subscriber, w.TTL, a.Logger)
	})
	return routes
}

// seedAccounts registers configured accounts without reviving ones deactivated at runtime
func (a *App) seedAccounts(ctx context.Context, db *storage.DB) error {
	created := 0
	for _, ac := range a.Config.Accounts {
		now := time.Now().Unix()
		acct := &model.TrackedAccount{
			Network:        ac.Network,
			Address:        ac.Address,
			Name:           ac.Name,
			Classification: model.ParseClassification(ac.Classification),
			CreatedTS:      now,
			UpdatedTS:      now,
		}
		ok, err := db.EnsureAccount(ctx, acct, false)
		if err != nil {
			return fmt.Errorf("seed account %s/%s: %w", ac.Network, ac.Address, err)
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		a.Logger.WithField("created", created).Info("Seeded tracked accounts")
	}
	return nil
}
