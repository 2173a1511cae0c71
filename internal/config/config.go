package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/liamashdown/peggwatch/internal/logging"
	"github.com/liamashdown/peggwatch/internal/secrets"
)

// ErrMissingCredential marks a channel or network that cannot run for lack of credentials
var ErrMissingCredential = errors.New("missing credential")

// Network adapter kinds
const (
	KindEtherscan = "etherscan"
	KindSolscan   = "solscan"
	KindEVMRPC    = "evmrpc"
)

// Database drivers
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig       `mapstructure:"app"`
	Logging  logging.Config  `mapstructure:"logging"`
	Database DatabaseConfig  `mapstructure:"database"`
	HTTP     HTTPConfig      `mapstructure:"http"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Peg      PegConfig       `mapstructure:"peg"`
	Whale    WhaleConfig     `mapstructure:"whale"`
	Networks []NetworkConfig `mapstructure:"networks"`
	Accounts []AccountConfig `mapstructure:"accounts"`
	Alerts   AlertsConfig    `mapstructure:"alerts"`
	Digest   DigestConfig    `mapstructure:"digest"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects the gorm driver and pool settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// HTTPConfig serves health, metrics, the read API and the live stream.
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// RedisConfig enables the pub/sub event fan-out.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// PegConfig drives the peg tracker loop.
type PegConfig struct {
	Interval      time.Duration      `mapstructure:"interval"`
	SoftThreshold float64            `mapstructure:"soft_threshold"`
	HardThreshold float64            `mapstructure:"hard_threshold"`
	FeedURL       string             `mapstructure:"feed_url"`
	FeedAPIKey    string             `mapstructure:"feed_api_key"`
	FeedRPS       float64            `mapstructure:"feed_rps"`
	Timeout       time.Duration      `mapstructure:"timeout"`
	Instruments   []InstrumentConfig `mapstructure:"instruments"`
}

// InstrumentConfig names one pegged asset; zero thresholds inherit the global ones.
type InstrumentConfig struct {
	ID            string  `mapstructure:"id"`
	Symbol        string  `mapstructure:"symbol"`
	Name          string  `mapstructure:"name"`
	Target        float64 `mapstructure:"target"`
	SoftThreshold float64 `mapstructure:"soft_threshold"`
	HardThreshold float64 `mapstructure:"hard_threshold"`
}

// WhaleConfig holds the transfer thresholds.
type WhaleConfig struct {
	MinAmount             float64       `mapstructure:"min_amount"`
	CriticalAmount        float64       `mapstructure:"critical_amount"`
	PersistBelowThreshold bool          `mapstructure:"persist_below_threshold"`
	Allowlist             []string      `mapstructure:"allowlist"`
	ClaimTTL              time.Duration `mapstructure:"claim_ttl"`
}

// NetworkConfig describes one ledger and the adapter that scans it.
type NetworkConfig struct {
	Name           string        `mapstructure:"name"`
	Kind           string        `mapstructure:"kind"`
	Disabled       bool          `mapstructure:"disabled"`
	ChainID        int64         `mapstructure:"chain_id"`
	BaseURL        string        `mapstructure:"base_url"`
	ExplorerURL    string        `mapstructure:"explorer_url"`
	APIKey         string        `mapstructure:"api_key"`
	RPCURL         string        `mapstructure:"rpc_url"`
	Interval       time.Duration `mapstructure:"interval"`
	AccountDelay   time.Duration `mapstructure:"account_delay"`
	PageSize       int           `mapstructure:"page_size"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RPS            float64       `mapstructure:"rps"`
	LookbackBlocks uint64        `mapstructure:"lookback_blocks"`
	Tokens         []TokenConfig `mapstructure:"tokens"`
}

// TokenConfig maps a contract or mint to a symbol. Feed marks it for contract-wide scanning.
type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Contract string `mapstructure:"contract"`
	Decimals int    `mapstructure:"decimals"`
	Feed     bool   `mapstructure:"feed"`
}

// AccountConfig seeds a tracked account at bootstrap.
type AccountConfig struct {
	Network        string `mapstructure:"network"`
	Address        string `mapstructure:"address"`
	Name           string `mapstructure:"name"`
	Classification string `mapstructure:"classification"`
}

// AlertsConfig defines notification channels and their cooldowns.
type AlertsConfig struct {
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	QuoteSeed      int64          `mapstructure:"quote_seed"`
	Log            LogConfig      `mapstructure:"log"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
	Discord        DiscordConfig  `mapstructure:"discord"`
	SMTP           SMTPConfig     `mapstructure:"smtp"`
	X              XConfig        `mapstructure:"x"`
	WebPush        WebPushConfig  `mapstructure:"webpush"`
}

type LogConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type DiscordConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	WebhookURLs []string      `mapstructure:"webhook_urls"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	To       []string      `mapstructure:"to"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// XConfig is the public, CRITICAL-only channel.
type XConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BearerToken string        `mapstructure:"bearer_token"`
	APIBase     string        `mapstructure:"api_base"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

type WebPushConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	VAPIDPublicKey  string        `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string        `mapstructure:"vapid_private_key"`
	Subscriber      string        `mapstructure:"subscriber"`
	TTL             int           `mapstructure:"ttl"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
}

// DigestConfig schedules the daily digest at a wall-clock time.
type DigestConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	At       string `mapstructure:"at"`
	Timezone string `mapstructure:"timezone"`
}

// Load builds configuration from defaults, an optional file, .env and the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("PEGGWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("peggwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyNetworkDefaults()
	cfg.resolveSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// resolveSecrets fills credentials from NAME / NAME_FILE when the config file leaves them empty
func (c *Config) resolveSecrets() {
	if dsn, err := secrets.Lookup("DATABASE_DSN"); err == nil && dsn != "" {
		c.Database.DSN = dsn
	}
	c.Redis.Password = secrets.Resolve(c.Redis.Password, "REDIS_PASSWORD")
	c.Peg.FeedAPIKey = secrets.Resolve(c.Peg.FeedAPIKey, "COINGECKO_API_KEY")

	for i := range c.Networks {
		n := &c.Networks[i]
		switch n.Kind {
		case KindEtherscan:
			n.APIKey = secrets.Resolve(n.APIKey, "ETHERSCAN_API_KEY")
		case KindSolscan:
			n.APIKey = secrets.Resolve(n.APIKey, "SOLSCAN_API_KEY")
		case KindEVMRPC:
			n.RPCURL = secrets.Resolve(n.RPCURL, strings.ToUpper(n.Name)+"_RPC_URL")
		}
	}

	a := &c.Alerts
	a.Telegram.BotToken = secrets.Resolve(a.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	a.Telegram.ChatID = secrets.Resolve(a.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	if len(a.Discord.WebhookURLs) == 0 {
		if urls := secrets.Resolve("", "DISCORD_WEBHOOK_URLS"); urls != "" {
			a.Discord.WebhookURLs = parseCSV(urls)
		}
	}
	a.SMTP.Password = secrets.Resolve(a.SMTP.Password, "SMTP_PASSWORD")
	a.X.BearerToken = secrets.Resolve(a.X.BearerToken, "X_BEARER_TOKEN")
	a.WebPush.VAPIDPrivateKey = secrets.Resolve(a.WebPush.VAPIDPrivateKey, "VAPID_PRIVATE_KEY")
	a.WebPush.VAPIDPublicKey = secrets.Resolve(a.WebPush.VAPIDPublicKey, "VAPID_PUBLIC_KEY")
}

func (c *Config) applyNetworkDefaults() {
	for i := range c.Networks {
		n := &c.Networks[i]
		n.Name = strings.ToLower(strings.TrimSpace(n.Name))
		n.Kind = strings.ToLower(strings.TrimSpace(n.Kind))
		if n.Interval <= 0 {
			n.Interval = 5 * time.Minute
		}
		if n.AccountDelay < 0 {
			n.AccountDelay = 0
		}
		if n.PageSize <= 0 {
			n.PageSize = 25
		}
		if n.Timeout <= 0 {
			n.Timeout = 15 * time.Second
		}
		if n.RPS <= 0 {
			n.RPS = 2
		}
		if n.Kind == KindEVMRPC && n.LookbackBlocks == 0 {
			n.LookbackBlocks = 500
		}
	}
}

// Validate checks configuration for errors. Missing channel credentials are not errors here,
// see ChannelIssue and NetworkIssue.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMySQL, DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("invalid database.driver: %s (must be mysql, postgres, or sqlite)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if err := validateThresholds("peg", c.Peg.SoftThreshold, c.Peg.HardThreshold); err != nil {
		return err
	}
	if c.Peg.Interval <= 0 {
		return fmt.Errorf("peg.interval must be greater than zero")
	}
	seenInstruments := map[string]bool{}
	for _, inst := range c.Peg.Instruments {
		if inst.ID == "" || inst.Symbol == "" {
			return fmt.Errorf("peg.instruments entries need id and symbol")
		}
		if seenInstruments[inst.ID] {
			return fmt.Errorf("duplicate instrument id %s", inst.ID)
		}
		seenInstruments[inst.ID] = true
		soft, hard := c.Thresholds(inst)
		if err := validateThresholds("instrument "+inst.ID, soft, hard); err != nil {
			return err
		}
	}

	if c.Whale.MinAmount <= 0 {
		return fmt.Errorf("whale.min_amount must be greater than zero")
	}
	if c.Whale.CriticalAmount <= c.Whale.MinAmount {
		return fmt.Errorf("whale.critical_amount must exceed whale.min_amount")
	}
	if len(c.Whale.Allowlist) == 0 {
		return fmt.Errorf("whale.allowlist must name at least one token")
	}

	seenNetworks := map[string]bool{}
	for _, n := range c.Networks {
		if n.Name == "" {
			return fmt.Errorf("networks entries need a name")
		}
		if seenNetworks[n.Name] {
			return fmt.Errorf("duplicate network %s", n.Name)
		}
		seenNetworks[n.Name] = true
		switch n.Kind {
		case KindEtherscan, KindEVMRPC:
		case KindSolscan:
			for _, tok := range n.Tokens {
				if tok.Feed {
					return fmt.Errorf("network %s: solscan does not support contract-wide feeds", n.Name)
				}
			}
		default:
			return fmt.Errorf("network %s: invalid kind %q (must be etherscan, solscan, or evmrpc)", n.Name, n.Kind)
		}
	}

	for _, a := range c.Accounts {
		if !seenNetworks[strings.ToLower(a.Network)] {
			return fmt.Errorf("account %s references unknown network %s", a.Address, a.Network)
		}
		if a.Address == "" {
			return fmt.Errorf("account on %s has no address", a.Network)
		}
	}

	if c.Digest.Enabled {
		if _, _, err := c.Digest.Clock(); err != nil {
			return err
		}
		if _, err := c.Digest.Location(); err != nil {
			return err
		}
	}

	return nil
}

func validateThresholds(scope string, soft, hard float64) error {
	if soft <= 0 {
		return fmt.Errorf("%s: soft threshold must be greater than zero", scope)
	}
	if hard <= soft {
		return fmt.Errorf("%s: hard threshold must exceed soft threshold", scope)
	}
	return nil
}

// Thresholds returns the effective soft/hard thresholds for an instrument
func (c *Config) Thresholds(inst InstrumentConfig) (float64, float64) {
	soft, hard := c.Peg.SoftThreshold, c.Peg.HardThreshold
	if inst.SoftThreshold > 0 {
		soft = inst.SoftThreshold
	}
	if inst.HardThreshold > 0 {
		hard = inst.HardThreshold
	}
	return soft, hard
}

// ChannelIssue reports why an enabled channel cannot be built, or nil
func (c *Config) ChannelIssue(channel string) error {
	a := c.Alerts
	switch channel {
	case "log":
		return nil
	case "telegram":
		if a.Telegram.BotToken == "" || a.Telegram.ChatID == "" {
			return fmt.Errorf("telegram: bot token and chat id required: %w", ErrMissingCredential)
		}
	case "discord":
		if len(a.Discord.WebhookURLs) == 0 {
			return fmt.Errorf("discord: webhook url required: %w", ErrMissingCredential)
		}
	case "smtp":
		if a.SMTP.Host == "" || len(a.SMTP.To) == 0 {
			return fmt.Errorf("smtp: host and recipients required: %w", ErrMissingCredential)
		}
	case "x":
		if a.X.BearerToken == "" {
			return fmt.Errorf("x: bearer token required: %w", ErrMissingCredential)
		}
	case "webpush":
		if a.WebPush.VAPIDPrivateKey == "" || a.WebPush.VAPIDPublicKey == "" {
			return fmt.Errorf("webpush: VAPID keys required: %w", ErrMissingCredential)
		}
	default:
		return fmt.Errorf("unknown channel %s", channel)
	}
	return nil
}

// NetworkIssue reports why a network cannot be scanned, or nil
func (c *Config) NetworkIssue(n NetworkConfig) error {
	switch n.Kind {
	case KindEtherscan:
		if n.APIKey == "" {
			return fmt.Errorf("network %s: etherscan api key required: %w", n.Name, ErrMissingCredential)
		}
	case KindEVMRPC:
		if n.RPCURL == "" {
			return fmt.Errorf("network %s: rpc url required: %w", n.Name, ErrMissingCredential)
		}
	}
	return nil
}

// Clock parses At as HH:MM
func (d DigestConfig) Clock() (int, int, error) {
	t, err := time.Parse("15:04", d.At)
	if err != nil {
		return 0, 0, fmt.Errorf("digest.at must be HH:MM: %w", err)
	}
	return t.Hour(), t.Minute(), nil
}

// Location resolves the digest timezone, UTC when empty
func (d DigestConfig) Location() (*time.Location, error) {
	if d.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return nil, fmt.Errorf("digest.timezone: %w", err)
	}
	return loc, nil
}

func parseCSV(s string) []string {
	var result []string
	for _, item := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
