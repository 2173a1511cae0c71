package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liamashdown/peggwatch/internal/config"
	"github.com/liamashdown/peggwatch/internal/monitor"
)

func testApp(t *testing.T) *App {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := &config.Config{
		App: config.AppConfig{Name: "peggwatch", Environment: "test"},
		Database: config.DatabaseConfig{
			Driver:      config.DriverSQLite,
			DSN:         filepath.Join(t.TempDir(), "peggwatch.db"),
			AutoMigrate: true,
		},
		Peg: config.PegConfig{
			Interval:      time.Minute,
			SoftThreshold: 0.01,
			HardThreshold: 0.05,
			FeedURL:       "http://127.0.0.1:1",
			Timeout:       time.Second,
		},
		Whale: config.WhaleConfig{MinAmount: 15_000, CriticalAmount: 10_000_000, ClaimTTL: time.Hour},
		Networks: []config.NetworkConfig{
			{Name: "ethereum", Kind: config.KindEtherscan, Interval: time.Minute},
			{Name: "polygon", Kind: config.KindEtherscan, Disabled: true, APIKey: "k", Interval: time.Minute},
		},
		Accounts: []config.AccountConfig{
			{Network: "ethereum", Address: "0xabc", Name: "Binance 14", Classification: "exchange"},
		},
		Alerts: config.AlertsConfig{
			RequestTimeout: time.Second,
			QuoteSeed:      1,
			Log:            config.LogConfig{Enabled: true},
			Telegram:       config.TelegramConfig{Enabled: true},
			X:              config.XConfig{Enabled: true, BearerToken: "tok", APIBase: "http://127.0.0.1:1"},
		},
		Digest: config.DigestConfig{Enabled: true, At: "00:00", Timezone: "UTC"},
	}
	return New(cfg, log)
}

func TestBuildWiresEnabledChannelsOnly(t *testing.T) {
	a := testApp(t)
	rt, err := a.build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.close()

	got := strings.Join(rt.dispatcher.Channels(), ",")
	if got != "broadcast,log,x" {
		t.Errorf("channels = %s, want broadcast,log,x (telegram lacks credentials)", got)
	}

	// ethereum lacks an api key and polygon is disabled
	if targets, err := rt.service.ScanTargets(""); err != nil || len(targets) != 0 {
		t.Errorf("scan targets = %v, %v; want none", targets, err)
	}

	names := []string{}
	for _, tk := range rt.tasks {
		names = append(names, tk.Name())
	}
	if strings.Join(names, ",") != "peg,dedup:prune,digest" {
		t.Errorf("tasks = %v", names)
	}
}

func TestSeedAccountsKeepsRuntimeDeactivation(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()

	rt, err := a.build(ctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.close()

	accounts, _ := rt.db.ListAccounts(ctx, "", false)
	if len(accounts) != 1 || accounts[0].Classification != "EXCHANGE" || !accounts[0].IsActive {
		t.Fatalf("seeded accounts = %+v", accounts)
	}

	if err := rt.db.DeactivateAccount(ctx, "ethereum", "0xabc"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := a.seedAccounts(ctx, rt.db); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	accounts, _ = rt.db.ListAccounts(ctx, "ethereum", true)
	if len(accounts) != 0 {
		t.Errorf("reseeding revived a deactivated account: %+v", accounts)
	}
}

func TestDigestCommandIsIdempotent(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()

	var first, second bytes.Buffer
	if err := a.Digest(ctx, &first); err != nil {
		t.Fatalf("first digest: %v", err)
	}
	if err := a.Digest(ctx, &second); err != nil {
		t.Fatalf("second digest: %v", err)
	}
	if strings.Contains(first.String(), "already published") {
		t.Errorf("first run output = %q", first.String())
	}
	if !strings.Contains(second.String(), "already published") {
		t.Errorf("second run output = %q", second.String())
	}
}

func TestScanUnknownNetwork(t *testing.T) {
	a := testApp(t)
	var out bytes.Buffer
	if err := a.Scan(context.Background(), "bitcoin", &out); !errors.Is(err, monitor.ErrUnknownNetwork) {
		t.Errorf("err = %v, want ErrUnknownNetwork", err)
	}
}
